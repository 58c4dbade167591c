package directory

import (
	"regexp"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// AuthStatus classifies a bind attempt for callers that present the result
// to an operator or relay it to an authentication client.
type AuthStatus int

const (
	AuthOk AuthStatus = iota
	AuthInvalidCredentials
	AuthServerUnreachable
	AuthOther
)

func (s AuthStatus) String() string {
	switch s {
	case AuthOk:
		return "ok"
	case AuthInvalidCredentials:
		return "invalid-credentials"
	case AuthServerUnreachable:
		return "server-unreachable"
	default:
		return "other"
	}
}

// AuthResult carries the classification plus the AD specific sub code when
// the server reported one.
type AuthResult struct {
	Status AuthStatus
	// SubCode is a symbolic name such as "account-disabled", derived from
	// the AcceptSecurityContext data code. Empty when the server did not
	// report one.
	SubCode string
	Err     error
}

// acceptSecurityContextRe extracts the hex data code AD appends to bind
// failures, e.g. "80090308: LdapErr: DSID-0C09044E, comment:
// AcceptSecurityContext error, data 533, v2580".
var acceptSecurityContextRe = regexp.MustCompile(`AcceptSecurityContext error, data ([0-9a-fA-F]+),`)

// Sub codes as documented for AD bind failures. The names are stable wire
// values consumed by the authentication RPC, not display strings.
var authSubCodes = map[string]string{
	"525": "user-not-found",
	"52e": "invalid-password",
	"52f": "account-restrictions",
	"530": "time-restrictions",
	"531": "computer-restrictions",
	"532": "password-expired",
	"533": "account-disabled",
	"568": "too-many-security-ids",
	"701": "account-expired",
	"773": "password-must-change",
	"775": "account-locked",
}

// AuthSubCode maps a bind error message to its symbolic sub code name, or
// "" when the message carries none.
func AuthSubCode(message string) string {
	m := acceptSecurityContextRe.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return authSubCodes[strings.ToLower(m[1])]
}

// ClassifyBindError maps a failed dial or bind to an AuthResult. Wrapped
// errors are unwrapped to the LDAP cause first.
func ClassifyBindError(err error) AuthResult {
	if err == nil {
		return AuthResult{Status: AuthOk}
	}
	cause := errors.Cause(err)
	switch {
	case ldap.IsErrorWithCode(cause, ldap.LDAPResultInvalidCredentials):
		return AuthResult{Status: AuthInvalidCredentials, SubCode: AuthSubCode(err.Error()), Err: err}
	case ldap.IsErrorWithCode(cause, ldap.ErrorNetwork):
		return AuthResult{Status: AuthServerUnreachable, Err: err}
	default:
		return AuthResult{Status: AuthOther, SubCode: AuthSubCode(err.Error()), Err: err}
	}
}
