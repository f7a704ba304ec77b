package auth

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tuneport/raop/pkg/liberrors"
)

// Realm is the authentication realm presented to senders.
const Realm = "raop"

var reAuthParam = regexp.MustCompile(`(\w+)="([^"]*)"`)

func md5Hex(in string) string {
	h := md5.Sum([]byte(in))
	return hex.EncodeToString(h[:])
}

// GenerateWWWAuthenticate generates the WWW-Authenticate header carried by
// a 401 response.
func GenerateWWWAuthenticate(nonce string) string {
	return `Digest realm="` + Realm + `", nonce="` + nonce + `"`
}

// Verify checks the Authorization header of a request against the
// configured password.
//
// It returns liberrors.ErrAuthRequired when credentials are absent or
// malformed, liberrors.ErrAuthFailed when they do not verify, and nil on
// success. The realm and uri used in the digest are the ones the sender
// presented.
func Verify(method string, authorization string, password string, nonce string) error {
	if !strings.HasPrefix(authorization, "Digest ") {
		return liberrors.ErrAuthRequired{}
	}

	params := make(map[string]string)
	for _, m := range reAuthParam.FindAllStringSubmatch(authorization, -1) {
		params[m[1]] = m[2]
	}

	realm, ok1 := params["realm"]
	username, ok2 := params["username"]
	response, ok3 := params["response"]
	uri, ok4 := params["uri"]
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return liberrors.ErrAuthRequired{}
	}

	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	expected := md5Hex(ha1 + ":" + nonce + ":" + ha2)

	if response != expected {
		return liberrors.ErrAuthFailed{}
	}
	return nil
}
