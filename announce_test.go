package raop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSDPPrefix = "v=0\r\n" +
	"o=iTunes 3413821438 0 IN IP4 192.168.1.68\r\n" +
	"s=iTunes\r\n" +
	"c=IN IP4 192.168.1.36\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 96\r\n"

func TestParseAnnounceSDPUncompressed(t *testing.T) {
	body := testSDPPrefix + "a=rtpmap:96 L16/44100/2\r\n"

	p := parseAnnounceSDP([]byte(body))
	require.True(t, p.uncompressed)
	require.Equal(t, "3413821438", p.sessionID)
	require.Empty(t, p.fmtp)
}

func TestParseAnnounceSDPAppleLossless(t *testing.T) {
	body := testSDPPrefix +
		"a=rtpmap:96 AppleLossless\r\n" +
		"a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n" +
		"a=aesiv:AAECAwQFBgcICQoLDA0ODw\r\n" +
		"a=rsaaeskey:c29tZWtleQ\r\n" +
		"a=min-latency:11025\r\n" +
		"a=max-latency:88200\r\n"

	p := parseAnnounceSDP([]byte(body))
	require.False(t, p.uncompressed)
	require.Equal(t, "96 352 0 16 40 10 14 2 255 0 0 44100", p.fmtp)
	require.Equal(t, "AAECAwQFBgcICQoLDA0ODw", p.aesiv)
	require.Equal(t, "c29tZWtleQ", p.rsaaeskey)
	require.Equal(t, "11025", p.minLatency)
	require.Equal(t, "88200", p.maxLatency)
}

func TestParseAnnounceSDPTolerant(t *testing.T) {
	// not a well-formed session description; the line scanner still
	// extracts the attributes.
	body := "o=iTunes 1234\n" +
		"a=rtpmap:96 L16/44100/2\n" +
		"a=min-latency:4410"

	p := parseAnnounceSDP([]byte(body))
	require.True(t, p.uncompressed)
	require.Equal(t, "1234", p.sessionID)
	require.Equal(t, "4410", p.minLatency)
}
