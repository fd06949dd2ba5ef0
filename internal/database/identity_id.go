package database

import (
	"strconv"

	"github.com/google/uuid"
)

// identityNamespace scopes the name-based UUIDs derived from contact ids.
var identityNamespace = uuid.MustParse("6f0c1d3e-5b7a-4e52-9c1f-2a8d7e4b9f60")

// IdentityIDForContact returns the stable identity id of a contact.
// The same contact always maps to the same id, so re-enrollment overwrites.
func IdentityIDForContact(contactID int64) string {
	return uuid.NewSHA1(identityNamespace, []byte("contact:"+strconv.FormatInt(contactID, 10))).String()
}
