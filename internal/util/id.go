package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewDocumentID returns a collision-resistant id for a persisted document.
// Documents never use the store's native auto-generated id.
func NewDocumentID() string {
	return uuid.NewString()
}

// NewSessionID returns a 64-character hex session id from a CSPRNG.
func NewSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidSessionID reports whether s has the shape produced by NewSessionID.
// Used to fail closed before touching the store.
func ValidSessionID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidDocumentID accepts canonical uuid ids and 24-char hex ids carried
// over from stores that used native object ids.
func ValidDocumentID(s string) bool {
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	if len(s) != 24 {
		return false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return false
	}
	return true
}
