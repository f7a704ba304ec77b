package raop

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/metadata"
	"github.com/tuneport/raop/pkg/raopcrypto"
	"golang.org/x/sys/unix"
)

// Server is an AirPlay-1 RTSP control-plane server.
//
// Fill in the exported fields, then call Start. IPv4 and IPv6 listening
// sockets are bound separately so that an IPv6 socket never shadows the
// IPv4 one.
type Server struct {
	// listen address. It defaults to ":5000".
	RTSPAddress string

	// optional password. When set, requests are gated behind Digest
	// authentication.
	Password string

	// allow a new sender to displace a running session.
	AllowSessionInterruption bool

	// terminate a connection that makes no forward progress for this
	// long. Zero disables the watchdog and read timeouts.
	IdleTimeout time.Duration

	// timeout of response writes. It defaults to 3 seconds.
	WriteTimeout time.Duration

	// pause between reads of a large request body. It defaults to 80
	// milliseconds; small senders starve without it.
	BodyReadPacing time.Duration

	// volume reported to GET_PARAMETER queries.
	AirplayVolume float64

	// hardware address used in the Apple-Challenge response.
	HardwareAddr net.HardwareAddr

	// forward cover art pictures to the metadata sinks.
	GetCoverArt bool

	// invoked when a connection cannot be cancelled; receives the reason.
	UnfixableHandler func(reason string)

	// audio playback engine. A no-op player is installed when nil.
	Player Player

	// RTP audio/control/timing companion. A no-op transport is installed
	// when nil.
	Transports Transports

	// optional service discovery.
	Registrar Registrar

	// RSA key operations for the AirPlay handshake. When nil,
	// Apple-Challenge headers are ignored and encrypted sessions are
	// rejected.
	Key raopcrypto.KeyOps

	// optional metadata fan-out. It must be initialized by the caller.
	Metadata *metadata.Fanout

	Log *logrus.Logger

	// how long a body transfer may take before a stall event is
	// published. Defaulted in initialize; overridable in tests.
	bodyStallTimeout time.Duration

	ctx       context.Context
	ctxCancel func()
	wg        sync.WaitGroup

	listeners []net.Listener

	connsMutex sync.Mutex
	conns      map[*ServerConn]struct{}
	connIndex  int64

	playLock playLock
}

func (s *Server) initialize() {
	if s.RTSPAddress == "" {
		s.RTSPAddress = ":5000"
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 3 * time.Second
	}
	if s.BodyReadPacing == 0 {
		s.BodyReadPacing = 80 * time.Millisecond
	}
	if s.Player == nil {
		s.Player = nopPlayer{}
	}
	if s.Transports == nil {
		s.Transports = nopTransports{}
	}
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	if s.bodyStallTimeout == 0 {
		s.bodyStallTimeout = bodyStallTimeout
	}

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.conns = make(map[*ServerConn]struct{})
}

// Start binds the listening sockets and begins accepting senders.
func (s *Server) Start() error {
	s.initialize()

	lc := net.ListenConfig{
		Control: setListenerSockOpts,
	}

	for _, network := range []string{"tcp4", "tcp6"} {
		ln, err := lc.Listen(s.ctx, network, s.RTSPAddress)
		if err != nil {
			// one of the families can be unavailable; do not complain.
			s.Log.Debugf("unable to listen on %s %q: %v", network, s.RTSPAddress, err)
			continue
		}
		s.listeners = append(s.listeners, ln)
	}

	if len(s.listeners) == 0 {
		s.ctxCancel()
		return fmt.Errorf("could not establish a service on %q; is another receiver running?",
			s.RTSPAddress)
	}

	if s.Registrar != nil {
		if err := s.Registrar.Register(); err != nil {
			s.Close()
			return err
		}
	}

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.runListener(ln)
	}

	return nil
}

// setListenerSockOpts applies SO_REUSEADDR, and IPV6_V6ONLY on the IPv6
// socket so the two families never double-bind.
func setListenerSockOpts(network string, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil && network == "tcp6" {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

func (s *Server) runListener(ln net.Listener) {
	defer s.wg.Done()

	for {
		nconn, err := ln.Accept()
		if err != nil {
			return
		}

		// reap workers that have finished since the last accept.
		s.reapConns()

		sc := &ServerConn{
			s:                s,
			nconn:            nconn,
			connectionNumber: atomic.AddInt64(&s.connIndex, 1),
		}

		s.Log.Debugf("connection %d: new connection from %s to self at %s",
			sc.connectionNumber, nconn.RemoteAddr(), nconn.LocalAddr())

		sc.initialize()

		s.connsMutex.Lock()
		s.conns[sc] = struct{}{}
		s.connsMutex.Unlock()
	}
}

func (s *Server) reapConns() {
	s.connsMutex.Lock()
	defer s.connsMutex.Unlock()

	for sc := range s.conns {
		if !sc.running.Load() {
			<-sc.done
			delete(s.conns, sc)
		}
	}
}

// PlayingConn returns the connection that currently owns the player, or
// nil.
func (s *Server) PlayingConn() *ServerConn {
	return s.playLock.holder()
}

// Close stops accepting senders, asks every worker to terminate and waits
// for them.
func (s *Server) Close() {
	s.ctxCancel()

	for _, ln := range s.listeners {
		ln.Close()
	}

	if s.Registrar != nil {
		s.Registrar.Unregister()
	}

	s.connsMutex.Lock()
	for sc := range s.conns {
		sc.stopRequest()
	}
	s.connsMutex.Unlock()

	s.wg.Wait()

	s.connsMutex.Lock()
	s.conns = map[*ServerConn]struct{}{}
	s.connsMutex.Unlock()
}

// sendMetadata publishes one metadata tuple to every enabled sink. When
// carrier is non-nil, data points into it and the fan-out holds a
// reference for each queued copy.
func (s *Server) sendMetadata(typ uint32, code uint32, data []byte, carrier *base.Message) {
	if s.Metadata != nil {
		s.Metadata.Send(typ, code, data, carrier)
	}
}

func (s *Server) sendSSNCMetadata(code uint32, data []byte, carrier *base.Message) {
	s.sendMetadata(metadata.TypeSSNC, code, data, carrier)
}
