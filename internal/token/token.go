// Package token generates the confirmation and unsubscribe tokens embedded in
// outbound email links.
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/thanhpk/randstr"
)

// confirmLength is the number of hex characters in a confirmation token (32 random bytes).
const confirmLength = 64

// unsubscribeLength is the number of hex characters kept from the SHA-256 digest.
const unsubscribeLength = 32

// DefaultSalt is used when no unsubscribe salt is configured.
const DefaultSalt = "default-salt"

// NewConfirm returns a random token proving ownership of an address.
func NewConfirm() string {
	return randstr.Hex(confirmLength / 2)
}

// Unsubscribe derives the unsubscribe token for email. The same email and salt
// always produce the same token, so links stay valid across sends.
func Unsubscribe(email, salt string) string {
	if salt == "" {
		salt = DefaultSalt
	}
	sum := sha256.Sum256([]byte(email + salt))
	return hex.EncodeToString(sum[:])[:unsubscribeLength]
}

// Equal compares two tokens in constant time.
func Equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
