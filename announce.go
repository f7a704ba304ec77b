package raop

import (
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/liberrors"
	"github.com/tuneport/raop/pkg/metadata"
)

// StreamType is the codec negotiated by an ANNOUNCE.
type StreamType int

// stream types.
const (
	StreamTypeUnknown StreamType = iota
	StreamTypeUncompressed
	StreamTypeAppleLossless
)

// StreamConfig holds the codec and encryption parameters of a session.
type StreamConfig struct {
	Type      StreamType
	FMTP      [12]int
	Encrypted bool
	AESIV     [16]byte
	AESKey    [16]byte
}

// announceParams are the SDP fields the receiver cares about; every other
// attribute is ignored.
type announceParams struct {
	sessionID    string
	uncompressed bool
	fmtp         string
	aesiv        string
	rsaaeskey    string
	minLatency   string
	maxLatency   string
}

const uncompressedRTPMap = "96 L16/44100/2"

// parseAnnounceSDP extracts the parameters from an ANNOUNCE body. The
// strict parser is tried first; senders whose bodies it rejects get a
// tolerant line-oriented scan with the same result.
func parseAnnounceSDP(body []byte) announceParams {
	var desc psdp.SessionDescription
	err := desc.Unmarshal(body)
	if err != nil {
		return scanAnnounceLines(body)
	}

	var p announceParams

	if desc.Origin.Username == "iTunes" {
		p.sessionID = strconv.FormatUint(desc.Origin.SessionID, 10)
	}

	attrs := append([]psdp.Attribute(nil), desc.Attributes...)
	for _, md := range desc.MediaDescriptions {
		attrs = append(attrs, md.Attributes...)
	}

	for _, a := range attrs {
		switch a.Key {
		case "rtpmap":
			if strings.HasPrefix(a.Value, uncompressedRTPMap) {
				p.uncompressed = true
			}

		case "fmtp":
			p.fmtp = a.Value

		case "aesiv":
			p.aesiv = a.Value

		case "rsaaeskey":
			p.rsaaeskey = a.Value

		case "min-latency":
			p.minLatency = a.Value

		case "max-latency":
			p.maxLatency = a.Value
		}
	}

	return p
}

func scanAnnounceLines(body []byte) announceParams {
	var p announceParams

	rest := body
	for len(rest) != 0 {
		line, next, ok := base.NextLine(rest)
		if !ok {
			line = rest
			next = nil
		}
		rest = next

		s := string(line)
		switch {
		case strings.HasPrefix(s, "o=iTunes"):
			p.sessionID = strings.TrimSpace(s[len("o=iTunes"):])

		case strings.HasPrefix(s, "a=rtpmap:"+uncompressedRTPMap):
			p.uncompressed = true

		case strings.HasPrefix(s, "a=fmtp:"):
			p.fmtp = s[len("a=fmtp:"):]

		case strings.HasPrefix(s, "a=aesiv:"):
			p.aesiv = s[len("a=aesiv:"):]

		case strings.HasPrefix(s, "a=rsaaeskey:"):
			p.rsaaeskey = s[len("a=rsaaeskey:"):]

		case strings.HasPrefix(s, "a=min-latency:"):
			p.minLatency = s[len("a=min-latency:"):]

		case strings.HasPrefix(s, "a=max-latency:"):
			p.maxLatency = s[len("a=max-latency:"):]
		}
	}

	return p
}

func (sc *ServerConn) handleAnnounce(req *base.Message, resp *base.Message) (err error) {
	havePlayer, interrupting := sc.s.playLock.acquire(sc, sc.s.AllowSessionInterruption)

	if !havePlayer {
		sc.log.Debug("ANNOUNCE failed because another connection is already playing")
		return liberrors.ErrSessionBusy{}
	}

	defer func() {
		if err != nil {
			sc.log.Debug("error in handling ANNOUNCE; unlocking the play lock")
			sc.s.playLock.release(sc)
		}
	}()

	// a session that did not break in may reset the UDP ports
	// to the start of their range.
	if !interrupting {
		sc.s.Transports.ResetPorts()
	}

	sc.stream.Type = StreamTypeUnknown

	p := parseAnnounceSDP(req.Content)

	if p.uncompressed {
		sc.log.Debug("an uncompressed PCM stream has been detected")
		sc.stream.Type = StreamTypeUncompressed
		sc.maxFramesPerPacket = 352
		sc.inputRate = 44100
		sc.inputNumChannels = 2
		sc.inputBitDepth = 16
		sc.inputBytesPerFrame = sc.inputNumChannels * ((sc.inputBitDepth + 7) / 8)
	}

	if p.sessionID != "" {
		sc.log.Debugf("synchronisation source identifier: %s", p.sessionID)
	}

	if p.minLatency != "" {
		sc.minimumLatency, _ = strconv.Atoi(strings.TrimSpace(p.minLatency))
	}

	if p.maxLatency != "" {
		sc.maximumLatency, _ = strconv.Atoi(strings.TrimSpace(p.maxLatency))
	}

	sc.stream.Encrypted = p.aesiv != "" || p.rsaaeskey != ""

	if sc.stream.Encrypted {
		aesiv, derr := decodeBase64Loose(p.aesiv)
		if derr != nil || len(aesiv) != 16 {
			sc.log.Warnf("sender announced an AES IV of %d bytes, wanted 16", len(aesiv))
			return liberrors.ErrUnsupportedCodec{}
		}
		copy(sc.stream.AESIV[:], aesiv)

		if sc.s.Key == nil {
			sc.log.Warn("encrypted session requested but no RSA key is configured")
			return liberrors.ErrUnsupportedCodec{}
		}

		rsaaeskey, derr := decodeBase64Loose(p.rsaaeskey)
		if derr != nil {
			sc.log.Warnf("undecodable rsaaeskey: %v", derr)
			return liberrors.ErrUnsupportedCodec{}
		}

		aeskey, derr := sc.s.Key.Decrypt(rsaaeskey)
		if derr != nil || len(aeskey) != 16 {
			sc.log.Warnf("sender announced an AES key of %d bytes, wanted 16", len(aeskey))
			return liberrors.ErrUnsupportedCodec{}
		}
		copy(sc.stream.AESKey[:], aeskey)
	}

	if p.fmtp != "" {
		sc.stream.Type = StreamTypeAppleLossless
		sc.log.Debug("an ALAC stream has been detected")

		// connection defaults, overridden below by whatever the sender
		// actually specified.
		sc.stream.FMTP = [12]int{96, 352, 0, 16, 40, 10, 14, 2, 255, 0, 0, 44100}

		for i, field := range strings.Fields(p.fmtp) {
			if i >= len(sc.stream.FMTP) {
				break
			}
			v, perr := strconv.Atoi(field)
			if perr == nil {
				sc.stream.FMTP[i] = v
			}
		}

		sc.maxFramesPerPacket = sc.stream.FMTP[1]
		sc.inputRate = sc.stream.FMTP[11]
		sc.inputNumChannels = sc.stream.FMTP[7]
		sc.inputBitDepth = sc.stream.FMTP[3]
		sc.inputBytesPerFrame = sc.inputNumChannels * ((sc.inputBitDepth + 7) / 8)
	}

	if sc.stream.Type == StreamTypeUnknown {
		sc.log.Warnf("can not process this ANNOUNCE message:\n%s", req.Content)
		return liberrors.ErrUnsupportedCodec{}
	}

	if hdr, ok := req.Header("X-Apple-Client-Name"); ok {
		sc.clientName = hdr
		sc.log.Infof("play connection from device named %q", hdr)
		sc.s.sendSSNCMetadata(metadata.CodeClientName, []byte(hdr), req)
	}

	if hdr, ok := req.Header("User-Agent"); ok {
		sc.userAgent = hdr
		sc.log.Debugf("play connection from user agent %q", hdr)

		if _, rest, found := strings.Cut(hdr, "AirPlay/"); found {
			digits := rest
			for i, r := range rest {
				if r < '0' || r > '9' {
					digits = rest[:i]
					break
				}
			}
			sc.airplayVersion, _ = strconv.Atoi(digits)
			sc.log.Debugf("AirPlay version %d detected", sc.airplayVersion)
		}

		sc.s.sendSSNCMetadata(metadata.CodeUserAgent, []byte(hdr), req)
	}

	resp.StatusCode = base.StatusOK
	return nil
}
