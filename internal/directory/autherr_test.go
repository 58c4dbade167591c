package directory

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestAuthSubCode(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{{
		name:    "account disabled",
		message: `LDAP Result Code 49 "Invalid Credentials": 80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 533, v2580`,
		want:    "account-disabled",
	}, {
		name:    "invalid password",
		message: `80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 52e, v2580`,
		want:    "invalid-password",
	}, {
		name:    "upper case hex digits",
		message: `comment: AcceptSecurityContext error, data 52E, v4563`,
		want:    "invalid-password",
	}, {
		name:    "account locked",
		message: `comment: AcceptSecurityContext error, data 775, v2580`,
		want:    "account-locked",
	}, {
		name:    "password must change",
		message: `comment: AcceptSecurityContext error, data 773, v2580`,
		want:    "password-must-change",
	}, {
		name:    "unknown data code",
		message: `comment: AcceptSecurityContext error, data 999, v2580`,
		want:    "",
	}, {
		name:    "no data code at all",
		message: `LDAP Result Code 49 "Invalid Credentials"`,
		want:    "",
	}}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(AuthSubCode(tc.message)).To(Equal(tc.want))
		})
	}
}

func TestAuthStatusString(t *testing.T) {
	g := NewWithT(t)
	g.Expect(AuthOk.String()).To(Equal("ok"))
	g.Expect(AuthInvalidCredentials.String()).To(Equal("invalid-credentials"))
	g.Expect(AuthServerUnreachable.String()).To(Equal("server-unreachable"))
	g.Expect(AuthOther.String()).To(Equal("other"))
}
