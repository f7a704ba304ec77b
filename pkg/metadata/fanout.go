package metadata

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/liberrors"
	"github.com/tuneport/raop/pkg/queue"
)

const (
	// per-sink queue capacity.
	sinkQueueSize = 500

	// default size of one multicast datagram.
	defaultSockMsgLength = 500
)

type sink struct {
	name    string
	queue   *queue.Queue[Package]
	process func(Package)
	closer  func()
}

// Fanout publishes metadata packages into one bounded queue per enabled
// sink, each drained by its own worker. Publishers are never stalled: a
// full queue drops the package and releases whatever reference or copy
// was taken for it.
type Fanout struct {
	// enables the pipe and multicast sinks.
	Enabled bool

	// path of the named pipe. Created at Initialize when missing.
	PipeName string

	// target of the multicast sink; empty disables it.
	UDPAddress string
	UDPPort    int

	// size of one multicast datagram. Larger payloads are chunked.
	SockMsgLength int

	// in-process hub; nil disables the hub sink.
	Hub *Hub

	// MQTT bridge handler; nil disables the mqtt sink.
	MQTTHandler HandlerFunc

	Log *logrus.Logger

	sinks     []*sink
	ctx       context.Context
	ctxCancel func()
	wg        sync.WaitGroup

	pipe *pipeSink
	udp  *multicastSink
}

// HandlerFunc receives one metadata tuple.
type HandlerFunc func(typ uint32, code uint32, data []byte)

// Initialize sets up the enabled sinks and starts their workers.
func (f *Fanout) Initialize() error {
	if f.SockMsgLength == 0 {
		f.SockMsgLength = defaultSockMsgLength
	}
	if f.Log == nil {
		f.Log = logrus.StandardLogger()
	}

	f.ctx, f.ctxCancel = context.WithCancel(context.Background())

	if f.Enabled {
		f.pipe = &pipeSink{path: f.PipeName, log: f.Log}
		if err := f.pipe.initialize(); err != nil {
			return err
		}
		f.addSink("pipe", f.pipe.send, f.pipe.close)

		if f.UDPAddress != "" {
			f.udp = &multicastSink{
				address:       f.UDPAddress,
				port:          f.UDPPort,
				sockMsgLength: f.SockMsgLength,
				log:           f.Log,
			}
			if err := f.udp.initialize(); err != nil {
				return err
			}
			f.addSink("multicast", f.udp.send, f.udp.close)
		}
	}

	if f.Hub != nil {
		f.addSink("hub", f.Hub.dispatch, nil)
	}

	if f.MQTTHandler != nil {
		f.addSink("mqtt", func(p Package) {
			f.MQTTHandler(p.Type, p.Code, p.Data)
		}, nil)
	}

	for _, s := range f.sinks {
		f.wg.Add(1)
		go f.runSink(s)
	}

	return nil
}

func (f *Fanout) addSink(name string, process func(Package), closer func()) {
	f.sinks = append(f.sinks, &sink{
		name:    name,
		queue:   queue.New[Package](name, sinkQueueSize),
		process: process,
		closer:  closer,
	})
}

func (f *Fanout) runSink(s *sink) {
	defer f.wg.Done()

	for {
		pkg, err := s.queue.Get(f.ctx)
		if err != nil {
			return
		}

		s.process(pkg)
		pkg.release()
	}
}

// Send publishes one package into every enabled sink.
//
// When carrier is non-nil, data is assumed to point into it and each
// enqueue retains the carrier; otherwise data is copied once per enqueue.
// Enqueue failures are logged at debug level and never propagate.
func (f *Fanout) Send(typ uint32, code uint32, data []byte, carrier *base.Message) {
	for _, s := range f.sinks {
		pkg := Package{Type: typ, Code: code}

		if carrier != nil {
			carrier.Retain()
			pkg.Carrier = carrier
			pkg.Data = data
		} else if data != nil {
			pkg.Data = append([]byte(nil), data...)
		}

		err := s.queue.TryAdd(pkg)
		if err != nil {
			if errors.As(err, &liberrors.ErrQueueFull{}) {
				f.Log.Debugf("metadata queue %q full, dropping item: type %x, code %x, length %d",
					s.name, typ, code, len(data))
			}
			pkg.release()
		}
	}
}

// Close stops the workers, drains the queues and releases whatever the
// queued packages were holding.
func (f *Fanout) Close() {
	f.ctxCancel()
	f.wg.Wait()

	for _, s := range f.sinks {
		s.queue.Close()
		for {
			pkg, ok := s.queue.TryGet()
			if !ok {
				break
			}
			pkg.release()
		}

		if s.closer != nil {
			s.closer()
		}
	}
}
