package raopcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*RSAKey, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewRSAKey(priv), priv
}

func TestAuth(t *testing.T) {
	k, priv := testKey(t)

	buf := make([]byte, 32)
	buf[0] = 0x01
	buf[31] = 0xff

	sig, err := k.Auth(buf)
	require.NoError(t, err)

	err = rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.Hash(0), buf, sig)
	require.NoError(t, err)
}

func TestDecrypt(t *testing.T) {
	k, priv := testKey(t)

	aeskey := []byte("0123456789abcdef")
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &priv.PublicKey, aeskey, nil)
	require.NoError(t, err)

	plain, err := k.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, aeskey, plain)
}

func TestNewRSAKeyFromPEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	k, err := NewRSAKeyFromPEM(pkcs1)
	require.NoError(t, err)
	require.NotNil(t, k)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})

	k, err = NewRSAKeyFromPEM(pkcs8)
	require.NoError(t, err)
	require.NotNil(t, k)

	_, err = NewRSAKeyFromPEM([]byte("not a key"))
	require.Error(t, err)
}
