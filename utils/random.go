package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// GenerateCode returns 2n upper-case hex characters.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// ConnectionID tags one duplex connection; a user may hold several.
func ConnectionID(userID string) string {
	code, err := GenerateCode(4)
	if err != nil {
		return userID
	}
	return userID + "-" + code
}
