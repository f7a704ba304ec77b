package raop

import (
	"encoding/base64"
	"net"
	"strings"

	"github.com/tuneport/raop/pkg/base"
)

// decodeBase64Loose decodes a base64 string whose padding senders may
// have stripped.
func decodeBase64Loose(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// appleChallenge answers an Apple-Challenge header. The response is the
// RSA signature of challenge || server IP || hardware address, zero-padded
// to 32 bytes, base64-encoded without padding. An oversized challenge is
// ignored; the connection survives.
func (sc *ServerConn) appleChallenge(req *base.Message, resp *base.Message) {
	hdr, ok := req.Header("Apple-Challenge")
	if !ok || sc.s.Key == nil {
		return
	}

	chall, err := decodeBase64Loose(hdr)
	if err != nil {
		sc.log.Warnf("undecodable Apple-Challenge: %v", err)
		return
	}

	if len(chall) > 16 {
		sc.log.Warn("oversized Apple-Challenge!")
		return
	}

	addr, ok := sc.nconn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return
	}

	buf := make([]byte, 0, 48)
	buf = append(buf, chall...)

	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, ip.To16()...)
	}

	hw := sc.s.HardwareAddr
	for len(hw) < 6 {
		hw = append(hw, 0)
	}
	buf = append(buf, hw[:6]...)

	for len(buf) < 32 {
		buf = append(buf, 0)
	}

	sig, err := sc.s.Key.Auth(buf)
	if err != nil {
		sc.log.Warnf("could not sign Apple-Challenge: %v", err)
		return
	}

	encoded := strings.TrimRight(base64.StdEncoding.EncodeToString(sig), "=")
	resp.AddHeader("Apple-Response", encoded)
}
