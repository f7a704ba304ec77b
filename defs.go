// Package raop implements the RTSP control plane of an AirPlay-1 audio
// receiver: request framing, session negotiation and admission, and
// metadata fan-out. Audio decoding and the RTP transport are external
// collaborators reached through the interfaces below.
package raop

import (
	"time"
)

// server header added to every response.
const serverHeader = "AirTunes/105.1"

// latency, in frames, reported as Audio-Latency in every RECORD response.
// it is a fixed value; the sender's latency figures do not change it.
const audioLatency = "11025"

const (
	// how long an ANNOUNCE waits for the play lock before giving up.
	playLockWaitBudget = 3 * time.Second

	// poll interval while waiting for the play lock.
	playLockPollInterval = 100 * time.Millisecond
)

// Player is the audio playback engine.
type Player interface {
	// Play starts playback for the connection.
	Play(sc *ServerConn)

	// Flush discards queued audio up to the given RTP timestamp.
	Flush(rtptime uint32, sc *ServerConn)

	// Stop ends playback for the connection.
	Stop(sc *ServerConn)

	// Volume applies an AirPlay volume, from 0.00 down to -30.00,
	// -144.00 meaning mute.
	Volume(volume float64, sc *ServerConn)
}

// Transports is the RTP audio/control/timing companion.
type Transports interface {
	// Setup allocates the local UDP port triple for a session, given the
	// sender's control and timing ports. It returns the local audio,
	// control and timing ports.
	Setup(sc *ServerConn, remoteControlPort int, remoteTimingPort int) (int, int, int, error)

	// Initialise prepares per-connection transport state.
	Initialise(sc *ServerConn)

	// Terminate tears down per-connection transport state and closes the
	// UDP sockets.
	Terminate(sc *ServerConn)

	// ResetPorts returns the port allocator to its low watermark.
	ResetPorts()
}

// Registrar announces the service on the local network.
type Registrar interface {
	Register() error
	Unregister()
}

type nopPlayer struct{}

func (nopPlayer) Play(*ServerConn)            {}
func (nopPlayer) Flush(uint32, *ServerConn)   {}
func (nopPlayer) Stop(*ServerConn)            {}
func (nopPlayer) Volume(float64, *ServerConn) {}

type nopTransports struct{}

func (nopTransports) Setup(*ServerConn, int, int) (int, int, int, error) {
	return 0, 0, 0, nil
}
func (nopTransports) Initialise(*ServerConn) {}
func (nopTransports) Terminate(*ServerConn)  {}
func (nopTransports) ResetPorts()            {}
