package directory

import (
	"testing"

	ldap "github.com/go-ldap/ldap/v3"
	. "github.com/onsi/gomega"
)

func TestEntryToUserAvatar(t *testing.T) {
	g := NewWithT(t)

	jpegOnly := ldap.NewEntry("CN=u1,DC=example,DC=com", map[string][]string{
		"cn":        {"u1"},
		"jpegPhoto": {"jpeg-bytes"},
	})
	u := entryToUser(jpegOnly, true)
	g.Expect(u.Avatar).To(Equal([]byte("jpeg-bytes")))
	g.Expect(u.AvatarMD5).NotTo(BeEmpty())

	// thumbnailPhoto wins when both are present.
	both := ldap.NewEntry("CN=u2,DC=example,DC=com", map[string][]string{
		"thumbnailPhoto": {"thumb-bytes"},
		"jpegPhoto":      {"jpeg-bytes"},
	})
	g.Expect(entryToUser(both, true).Avatar).To(Equal([]byte("thumb-bytes")))

	// Avatars disabled means none is read even when served.
	g.Expect(entryToUser(jpegOnly, false).Avatar).To(BeEmpty())
}
