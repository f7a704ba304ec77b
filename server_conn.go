package raop

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tuneport/raop/pkg/auth"
	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/liberrors"
)

// pause before retrying a failed read when a play session is active.
const readRetryPause = 20 * time.Millisecond

// interval of the per-connection watchdog.
const watchdogInterval = 2 * time.Second

// ServerConn is one RTSP conversation. A dedicated goroutine reads one
// request at a time, dispatches it and writes the response; a watchdog
// goroutine checks for forward progress.
type ServerConn struct {
	s     *Server
	nconn net.Conn
	log   *logrus.Entry

	connectionNumber int64

	stop    atomic.Bool
	running atomic.Bool
	done    chan struct{}

	authorized bool
	authNonce  string

	stream             StreamConfig
	maxFramesPerPacket int
	inputRate          int
	inputNumChannels   int
	inputBitDepth      int
	inputBytesPerFrame int
	minimumLatency     int
	maximumLatency     int

	remoteControlPort int
	remoteTimingPort  int
	localAudioPort    int
	localControlPort  int
	localTimingPort   int
	rtpRunning        bool

	dacpID           string
	dacpActiveRemote string
	userAgent        string
	clientName       string
	airplayVersion   int

	playerRunning bool

	// nanoseconds; stamped whenever the worker makes forward progress.
	watchdogBarkTime  atomic.Int64
	watchdogBarks     int
	unfixableReported bool
}

func (sc *ServerConn) initialize() {
	sc.log = sc.s.Log.WithField("conn", sc.connectionNumber)
	sc.done = make(chan struct{})
	sc.watchdogBarkTime.Store(time.Now().UnixNano())
	sc.running.Store(true)

	sc.s.wg.Add(2)
	go sc.run()
	go sc.watchdog()
}

// ConnectionNumber returns the connection's unique number.
func (sc *ServerConn) ConnectionNumber() int64 {
	return sc.connectionNumber
}

// NetConn returns the underlying net.Conn.
func (sc *ServerConn) NetConn() net.Conn {
	return sc.nconn
}

// Stream returns the codec and encryption parameters negotiated by
// ANNOUNCE.
func (sc *ServerConn) Stream() StreamConfig {
	return sc.stream
}

// InputFormat returns the audio input parameters negotiated by ANNOUNCE:
// sample rate, channel count, bit depth, bytes per frame and the maximum
// number of frames per packet.
func (sc *ServerConn) InputFormat() (int, int, int, int, int) {
	return sc.inputRate, sc.inputNumChannels, sc.inputBitDepth,
		sc.inputBytesPerFrame, sc.maxFramesPerPacket
}

// Latencies returns the advisory minimum and maximum latencies requested
// by the sender, in frames.
func (sc *ServerConn) Latencies() (int, int) {
	return sc.minimumLatency, sc.maximumLatency
}

// LocalPorts returns the local audio, control and timing UDP ports of the
// session, once SETUP has allocated them.
func (sc *ServerConn) LocalPorts() (int, int, int) {
	return sc.localAudioPort, sc.localControlPort, sc.localTimingPort
}

// RemotePorts returns the sender's control and timing UDP ports.
func (sc *ServerConn) RemotePorts() (int, int) {
	return sc.remoteControlPort, sc.remoteTimingPort
}

// UserAgent returns the sender's User-Agent string and the AirPlay
// version parsed from it, when seen.
func (sc *ServerConn) UserAgent() (string, int) {
	return sc.userAgent, sc.airplayVersion
}

// DACPID returns the sender's DACP-ID, when one was seen.
func (sc *ServerConn) DACPID() string {
	return sc.dacpID
}

// ActiveRemote returns the sender's Active-Remote token, when one was
// seen.
func (sc *ServerConn) ActiveRemote() string {
	return sc.dacpActiveRemote
}

// stopRequest asks the worker to terminate. The read deadline is pulled
// in so a blocked read wakes up and observes the flag.
func (sc *ServerConn) stopRequest() {
	sc.stop.Store(true)
	sc.nconn.SetReadDeadline(time.Now())
}

// setLingerZero makes the close send a RST, so the sender notices
// immediately.
func (sc *ServerConn) setLingerZero() {
	if tc, ok := sc.nconn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
}

func (sc *ServerConn) run() {
	defer sc.s.wg.Done()

	sc.s.Transports.Initialise(sc)

	err := sc.runInner()
	sc.log.Debugf("closing connection (%v)", err)

	sc.terminate()
}

func (sc *ServerConn) runInner() error {
	// without a play session the first failed read terminates the
	// connection; while one is active, a single retry is granted.
	readAttemptCount := 2

	for {
		if sc.stop.Load() {
			return sc.stopCause()
		}

		req, err := sc.readRequest()

		if err == nil {
			sc.watchdogBarkTime.Store(time.Now().UnixNano())
			if werr := sc.handleRequest(req); werr != nil {
				return werr
			}
			continue
		}

		switch {
		case errors.As(err, &liberrors.ErrShutdownRequested{}):
			return sc.stopCause()

		case errors.As(err, &liberrors.ErrConnClosed{}), errors.As(err, &liberrors.ErrConnRead{}):
			if !sc.playerRunning {
				return err
			}

			readAttemptCount--
			if readAttemptCount <= 0 {
				if errors.As(err, &liberrors.ErrConnRead{}) {
					sc.setLingerZero()
				}
				return err
			}

			sc.log.Debugf("control channel failure (%v) -- will try again %d time(s)",
				err, readAttemptCount)
			time.Sleep(readRetryPause)

		case errors.As(err, &liberrors.ErrBadPacket{}):
			sc.log.Debugf("unparsable request: %v", err)
			sc.nconn.SetWriteDeadline(time.Now().Add(sc.s.WriteTimeout))
			sc.nconn.Write([]byte("RTSP/1.0 400 Bad Request\r\nServer: " + serverHeader + "\r\n\r\n"))

		default:
			sc.log.Debugf("request read error %v, packet ignored", err)
		}
	}
}

// stopCause distinguishes a shutdown requested by the server going away
// from one aimed at this connection alone.
func (sc *ServerConn) stopCause() error {
	if sc.s.ctx.Err() != nil {
		return liberrors.ErrServerTerminated{}
	}
	return liberrors.ErrShutdownRequested{}
}

// handleRequest runs the dispatch for one request: Apple-Challenge, CSeq
// echo, Server header, the authentication gate, then the method handler;
// finally the response is written. A non-nil return means the response
// could not be delivered and the connection is done.
func (sc *ServerConn) handleRequest(req *base.Message) error {
	defer req.Release()

	resp := base.NewMessage()
	defer resp.Release()
	resp.StatusCode = base.StatusBadRequest

	if req.Method != base.Options {
		sc.log.Debugf("received an RTSP packet of type %q", req.Method)
	}

	sc.appleChallenge(req, resp)

	if cseq, ok := req.Header("CSeq"); ok {
		resp.AddHeader("CSeq", cseq)
	}
	resp.AddHeader("Server", serverHeader)

	if sc.authorized || sc.authenticate(req, resp) == nil {
		// it was authorized already, or didn't need a password.
		sc.authorized = true

		if h, ok := methodHandlers[req.Method]; ok {
			herr := h(sc, req, resp)

			// protocol-level failures arrive as typed errors and
			// become status codes here.
			switch {
			case herr == nil:

			case errors.As(herr, &liberrors.ErrNoPlayer{}):
				resp.StatusCode = base.StatusParameterNotUnderstood

			case errors.As(herr, &liberrors.ErrSessionBusy{}):
				resp.StatusCode = base.StatusNotEnoughBandwidth

			case errors.As(herr, &liberrors.ErrUnsupportedCodec{}):
				resp.StatusCode = base.StatusHeaderFieldNotValidForResource

			default:
				sc.log.Debugf("request failed: %v", herr)
				resp.StatusCode = base.StatusBadRequest
			}
		} else {
			sc.log.Debugf("unrecognised and unhandled request %q", req.Method)
		}
	}

	if sc.stop.Load() {
		return nil
	}

	sc.nconn.SetWriteDeadline(time.Now().Add(sc.s.WriteTimeout))
	_, err := sc.nconn.Write(resp.MarshalResponse())
	if err != nil {
		sc.log.Debug("unable to write a response; terminating the connection")
		sc.setLingerZero()
		return err
	}
	return nil
}

// authenticate runs the Digest gate. With no password configured every
// request is authorized. A nil return means the request may proceed;
// otherwise the response has been turned into a 401.
func (sc *ServerConn) authenticate(req *base.Message, resp *base.Message) error {
	if sc.s.Password == "" {
		return nil
	}

	if sc.authNonce == "" {
		nonce, err := auth.GenerateNonce()
		if err != nil {
			return err
		}
		sc.authNonce = nonce
	}

	authorization, _ := req.Header("Authorization")
	err := auth.Verify(string(req.Method), authorization, sc.s.Password, sc.authNonce)
	if err != nil {
		if errors.As(err, &liberrors.ErrAuthFailed{}) {
			sc.log.Warn("password authorization failed")
		}
		resp.StatusCode = base.StatusUnauthorized
		resp.AddHeader("WWW-Authenticate", auth.GenerateWWWAuthenticate(sc.authNonce))
		return err
	}

	return nil
}

// watchdog wakes every two seconds and checks that the worker is making
// forward progress. On the first overrun of the idle timeout it asks the
// worker to stop; if the worker still has not gone away by the third, the
// unfixable hook is fired.
func (sc *ServerConn) watchdog() {
	defer sc.s.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			return

		case <-ticker.C:
		}

		if sc.s.IdleTimeout == 0 {
			continue
		}

		sinceLastBark := time.Duration(time.Now().UnixNano() - sc.watchdogBarkTime.Load())
		if sinceLastBark < sc.s.IdleTimeout {
			continue
		}

		sc.watchdogBarks++

		switch sc.watchdogBarks {
		case 1:
			sc.log.Info("connection idle beyond the configured timeout; asking it to stop")
			sc.stopRequest()

		case 3:
			if sc.s.UnfixableHandler != nil && !sc.unfixableReported {
				sc.unfixableReported = true
				sc.s.UnfixableHandler("unable_to_cancel_play_session")
			} else {
				sc.log.Warn("an unrecoverable error, \"unable_to_cancel_play_session\", has been detected")
			}
		}
	}
}

// terminate runs the connection's cleanup: stop the player if owned,
// close the control socket, tear down the transport, release identity
// strings and the play lock, and stop the watchdog.
func (sc *ServerConn) terminate() {
	if sc.playerRunning {
		sc.s.Player.Stop(sc)
		sc.playerRunning = false
	}

	sc.nconn.Close()

	sc.s.Transports.Terminate(sc)
	sc.rtpRunning = false

	sc.dacpID = ""
	sc.dacpActiveRemote = ""
	sc.userAgent = ""
	sc.clientName = ""

	sc.s.playLock.release(sc)

	close(sc.done)
	sc.log.Debug("terminated")
	sc.running.Store(false)
}
