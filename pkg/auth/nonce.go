// Package auth contains Digest authentication for the control channel.
package auth

import (
	"crypto/rand"
	"encoding/base64"
)

// GenerateNonce generates a nonce that can be used in Verify.
func GenerateNonce() (string, error) {
	byts := make([]byte, 8)
	_, err := rand.Read(byts)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(byts), nil
}
