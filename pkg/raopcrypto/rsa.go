// Package raopcrypto contains the RSA operations of the AirPlay handshake.
package raopcrypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyOps performs the two private-key operations of the protocol:
// signing a challenge buffer and recovering a session AES key.
type KeyOps interface {
	// Auth applies the private key to buf in authentication mode
	// (PKCS#1 v1.5 signature over the raw buffer).
	Auth(buf []byte) ([]byte, error)

	// Decrypt recovers the plaintext of a key ciphertext
	// (OAEP with SHA-1).
	Decrypt(ciphertext []byte) ([]byte, error)
}

// RSAKey is a KeyOps backed by an in-memory RSA private key.
type RSAKey struct {
	key *rsa.PrivateKey
}

// NewRSAKey wraps an existing private key.
func NewRSAKey(key *rsa.PrivateKey) *RSAKey {
	return &RSAKey{key: key}
}

// NewRSAKeyFromPEM parses a PEM-encoded private key in either PKCS#1 or
// PKCS#8 form.
func NewRSAKeyFromPEM(data []byte) (*RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSAKey{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not a RSA private key")
	}
	return &RSAKey{key: key}, nil
}

// Auth implements KeyOps.
func (k *RSAKey) Auth(buf []byte) ([]byte, error) {
	// crypto.Hash(0) signs the buffer directly, without hashing.
	return rsa.SignPKCS1v15(nil, k.key, crypto.Hash(0), buf)
}

// Decrypt implements KeyOps.
func (k *RSAKey) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), nil, k.key, ciphertext, nil)
}
