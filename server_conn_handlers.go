package raop

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/dmap"
	"github.com/tuneport/raop/pkg/liberrors"
	"github.com/tuneport/raop/pkg/metadata"
)

// method handlers fill in the response and report protocol-level failures
// as typed errors; the dispatcher maps those to status codes.
var methodHandlers = map[base.Method]func(*ServerConn, *base.Message, *base.Message) error{
	base.Options:      (*ServerConn).handleOptions,
	base.Announce:     (*ServerConn).handleAnnounce,
	base.Setup:        (*ServerConn).handleSetup,
	base.Record:       (*ServerConn).handleRecord,
	base.Flush:        (*ServerConn).handleFlush,
	base.Pause:        (*ServerConn).handlePause,
	base.Teardown:     (*ServerConn).handleTeardown,
	base.GetParameter: (*ServerConn).handleGetParameter,
	base.SetParameter: (*ServerConn).handleSetParameter,
}

// parseHeaderInt extracts the integer that follows key in a
// semicolon-separated header value such as Transport or RTP-Info.
func parseHeaderInt(hdr string, key string) (uint64, bool) {
	i := strings.Index(hdr, key)
	if i < 0 {
		return 0, false
	}

	s := hdr[i+len(key):]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	v, err := strconv.ParseUint(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rtptime returns the RTP timestamp of an RTP-Info header, when present.
func rtptime(req *base.Message) (uint32, bool) {
	hdr, ok := req.Header("RTP-Info")
	if !ok {
		return 0, false
	}

	v, ok := parseHeaderInt(hdr, "rtptime=")
	if !ok {
		return 0, false
	}
	return uint32(v), true
}

// rtptimeString returns the raw rtptime substring of an RTP-Info header;
// it tags metadata batches so consumers can correlate items.
func rtptimeString(req *base.Message) (string, bool) {
	hdr, ok := req.Header("RTP-Info")
	if !ok {
		return "", false
	}

	i := strings.Index(hdr, "rtptime=")
	if i < 0 {
		return "", false
	}
	return hdr[i+len("rtptime="):], true
}

func (sc *ServerConn) handleOptions(_ *base.Message, resp *base.Message) error {
	resp.StatusCode = base.StatusOK
	resp.AddHeader("Public",
		"ANNOUNCE, SETUP, RECORD, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER")
	return nil
}

func (sc *ServerConn) handleSetup(req *base.Message, resp *base.Message) error {
	if !sc.s.playLock.have(sc) {
		sc.log.Warn("SETUP received without having the player (no ANNOUNCE?)")
		return liberrors.ErrNoPlayer{}
	}

	resp.StatusCode = base.StatusParameterNotUnderstood // invalid arguments -- expect them

	if ar, ok := req.Header("Active-Remote"); ok {
		sc.log.Debugf("SETUP -- Active-Remote string seen: %q", ar)
		sc.dacpActiveRemote = ar
		sc.s.sendSSNCMetadata(metadata.CodeActiveRemote, []byte(ar), req)
	} else {
		sc.dacpActiveRemote = ""
	}

	if id, ok := req.Header("DACP-ID"); ok {
		sc.log.Debugf("SETUP -- DACP-ID string seen: %q", id)
		sc.dacpID = id
		sc.s.sendSSNCMetadata(metadata.CodeDACPID, []byte(id), req)
	} else {
		sc.dacpID = ""
	}

	defer func() {
		if resp.StatusCode != base.StatusOK {
			sc.log.Debug("SETUP error -- releasing the player lock")
			sc.s.playLock.release(sc)
		}
	}()

	hdr, ok := req.Header("Transport")
	if !ok {
		sc.log.Debug("SETUP doesn't contain a Transport header")
		return nil
	}

	cport, ok := parseHeaderInt(hdr, "control_port=")
	if !ok {
		sc.log.Debug("SETUP doesn't specify a control_port")
		return nil
	}

	tport, ok := parseHeaderInt(hdr, "timing_port=")
	if !ok {
		sc.log.Debug("SETUP doesn't specify a timing_port")
		return nil
	}

	if sc.rtpRunning {
		if sc.remoteControlPort != int(cport) || sc.remoteTimingPort != int(tport) {
			sc.log.Warnf("duplicate SETUP message with different control (old %d, new %d) or "+
				"timing (old %d, new %d) ports! This is probably fatal!",
				sc.remoteControlPort, cport, sc.remoteTimingPort, tport)
		} else {
			sc.log.Warnf("duplicate SETUP message with the same control (%d) and timing (%d) "+
				"ports. This is probably not fatal.", sc.remoteControlPort, sc.remoteTimingPort)
		}
	} else {
		sc.remoteControlPort = int(cport)
		sc.remoteTimingPort = int(tport)

		audio, control, timing, err := sc.s.Transports.Setup(sc, int(cport), int(tport))
		if err != nil {
			sc.log.Warnf("SETUP: transport setup failed: %v", err)
			return nil
		}

		sc.localAudioPort = audio
		sc.localControlPort = control
		sc.localTimingPort = timing
		sc.rtpRunning = sc.localAudioPort != 0
	}

	if sc.localAudioPort == 0 {
		sc.log.Debug("SETUP seems to specify a null audio port")
		return nil
	}

	resp.AddHeader("Transport", fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d;server_port=%d",
		sc.localControlPort, sc.localTimingPort, sc.localAudioPort))
	resp.AddHeader("Session", "1")
	resp.StatusCode = base.StatusOK

	sc.log.Infof("SETUP DACP-ID %q from %s to %s with UDP ports Control: %d, Timing: %d and Audio: %d",
		sc.dacpID, sc.nconn.RemoteAddr(), sc.nconn.LocalAddr(),
		sc.localControlPort, sc.localTimingPort, sc.localAudioPort)
	return nil
}

func (sc *ServerConn) handleRecord(req *base.Message, resp *base.Message) error {
	if !sc.s.playLock.have(sc) {
		sc.log.Warn("RECORD received without having the player (no ANNOUNCE?)")
		return liberrors.ErrNoPlayer{}
	}

	if sc.playerRunning {
		sc.log.Warn("RECORD: duplicate RECORD message -- ignored")
	} else {
		sc.s.Player.Play(sc)
		sc.playerRunning = true
	}

	resp.StatusCode = base.StatusOK
	resp.AddHeader("Audio-Latency", audioLatency)

	if t, ok := rtptime(req); ok {
		sc.s.Player.Flush(t, sc)
	}
	return nil
}

func (sc *ServerConn) handleFlush(req *base.Message, resp *base.Message) error {
	if !sc.s.playLock.have(sc) {
		sc.log.Warn("FLUSH received without having the player (no ANNOUNCE?)")
		return liberrors.ErrNoPlayer{}
	}

	t, _ := rtptime(req)
	sc.s.Player.Flush(t, sc)
	resp.StatusCode = base.StatusOK
	return nil
}

func (sc *ServerConn) handlePause(_ *base.Message, resp *base.Message) error {
	if !sc.s.playLock.have(sc) {
		sc.log.Warn("PAUSE received without having the player (no ANNOUNCE?)")
		return liberrors.ErrNoPlayer{}
	}

	// pausing is advisory; the player pauses itself when audio stops
	// arriving.
	resp.StatusCode = base.StatusOK
	return nil
}

func (sc *ServerConn) handleTeardown(_ *base.Message, resp *base.Message) error {
	if !sc.s.playLock.have(sc) {
		sc.log.Warn("TEARDOWN received without having the player (no ANNOUNCE?)")
		return liberrors.ErrNoPlayer{}
	}

	resp.StatusCode = base.StatusOK
	resp.AddHeader("Connection", "close")

	sc.s.Player.Stop(sc)
	sc.playerRunning = false
	return nil
}

func (sc *ServerConn) handleGetParameter(req *base.Message, resp *base.Message) error {
	if string(req.Content) == "volume\r\n" {
		resp.Content = []byte(fmt.Sprintf("\r\nvolume: %.6f\r\n", sc.s.AirplayVolume))
	}

	resp.StatusCode = base.StatusOK
	return nil
}

func (sc *ServerConn) handleSetParameter(req *base.Message, resp *base.Message) error {
	resp.StatusCode = base.StatusOK

	ct, ok := req.Header("Content-Type")
	if !ok {
		sc.log.Debug("missing Content-Type header in SET_PARAMETER request")
		return nil
	}

	switch {
	case strings.HasPrefix(ct, "application/x-dmap-tagged"):
		sc.handleSetParameterMetadata(req)

	case strings.HasPrefix(ct, "image"):
		sc.handleSetParameterPicture(req)

	case strings.HasPrefix(ct, "text/parameters"):
		sc.handleSetParameterParameter(req)

	default:
		sc.log.Debugf("received unknown Content-Type %q in SET_PARAMETER request", ct)
	}
	return nil
}

// handleSetParameterParameter processes a line-oriented text/parameters
// body: volume changes and playback progress.
func (sc *ServerConn) handleSetParameterParameter(req *base.Message) {
	rest := req.Content

	for len(rest) != 0 {
		line, next, ok := base.NextLine(rest)
		if !ok {
			line = rest
			next = nil
		}
		rest = next

		s := string(line)
		switch {
		case strings.HasPrefix(s, "volume: "):
			volume, err := strconv.ParseFloat(strings.TrimSpace(s[len("volume: "):]), 64)
			if err == nil {
				sc.s.Player.Volume(volume, sc)
			}

		case strings.HasPrefix(s, "progress: "):
			progress := s[len("progress: "):]
			sc.s.sendSSNCMetadata(metadata.CodeProgress, []byte(progress), nil)

		case s == "":

		default:
			sc.log.Debugf("unrecognised parameter: %q", s)
		}
	}
}

// handleSetParameterMetadata forwards a DMAP-tagged body, bracketed by
// 'mdst'/'mden' events carrying the batch's rtptime when available.
func (sc *ServerConn) handleSetParameterMetadata(req *base.Message) {
	ts, haveTS := rtptimeString(req)
	if !haveTS {
		sc.log.Debug("missing RTP-Info for metadata")
	}

	sc.sendBracket(metadata.CodeMetadataStart, ts, haveTS, req)

	dmap.Walk(req.Content, func(item dmap.Item) {
		if len(item.Value) == 0 {
			sc.s.sendMetadata(metadata.TypeCore, item.Tag, nil, nil)
		} else {
			sc.s.sendMetadata(metadata.TypeCore, item.Tag, item.Value, req)
		}
	})

	sc.sendBracket(metadata.CodeMetadataEnd, ts, haveTS, req)
}

func (sc *ServerConn) handleSetParameterPicture(req *base.Message) {
	// some senders simply ignore the service's metadata settings. If
	// cover art is not wanted, be polite and do not forward it.
	if !sc.s.GetCoverArt {
		sc.log.Debug("ignoring received picture item (cover art is disabled)")
		return
	}

	ts, haveTS := rtptimeString(req)
	if !haveTS {
		sc.log.Debug("missing RTP-Info for picture item")
	}

	sc.sendBracket(metadata.CodePictureStart, ts, haveTS, req)
	sc.s.sendSSNCMetadata(metadata.CodePicture, req.Content, req)
	sc.sendBracket(metadata.CodePictureEnd, ts, haveTS, req)
}

func (sc *ServerConn) sendBracket(code uint32, ts string, haveTS bool, req *base.Message) {
	if haveTS {
		sc.s.sendSSNCMetadata(code, []byte(ts), req)
	} else {
		sc.s.sendSSNCMetadata(code, nil, nil)
	}
}
