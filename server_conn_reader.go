package raop

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/tuneport/raop/pkg/base"
	"github.com/tuneport/raop/pkg/liberrors"
	"github.com/tuneport/raop/pkg/metadata"
)

const (
	// size of one socket read while parsing the header section.
	headerReadChunkSize = 4096

	// upper bound on the header section; a request line and at most 16
	// headers fit in far less.
	headerSectionMaxSize = 65536

	// size of one socket read while reading the body.
	bodyReadChunkSize = 64 * 1024

	// how long the body phase may take before a stall event is published.
	bodyStallTimeout = 15 * time.Second

	// wake interval of a blocked read when no idle timeout is configured,
	// so the stop flag is observed.
	readWakeInterval = 60 * time.Second
)

// readChunk performs one socket read of up to len(dst) bytes,
// translating transport failures into the reader's error taxonomy.
// A deadline expiry is not an error: it returns n == 0 so the caller
// re-checks the stop flag.
func (sc *ServerConn) readChunk(dst []byte) (int, error) {
	deadline := readWakeInterval
	if sc.s.IdleTimeout != 0 {
		deadline = sc.s.IdleTimeout
	}
	sc.nconn.SetReadDeadline(time.Now().Add(deadline))

	n, err := sc.nconn.Read(dst)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return n, nil
		}

		if errors.Is(err, io.EOF) {
			if n != 0 {
				return n, nil
			}
			return 0, liberrors.ErrConnClosed{}
		}

		return n, liberrors.ErrConnRead{Err: err}
	}

	if n == 0 {
		return 0, liberrors.ErrConnClosed{}
	}
	return n, nil
}

// readRequest reads one RTSP request from the socket.
//
// The header section is read in small chunks and parsed incrementally;
// the body is read in larger paced chunks, never past Content-Length.
// The stop flag is re-checked between reads. A body transfer that takes
// longer than bodyStallTimeout publishes a single 'ssnc'/'stal' event and
// keeps reading.
func (sc *ServerConn) readRequest() (*base.Message, error) {
	var parser base.RequestParser
	buf := make([]byte, 0, headerReadChunkSize)
	contentLength := -1

	chunk := make([]byte, headerReadChunkSize)

	for contentLength < 0 {
		if sc.stop.Load() {
			return nil, liberrors.ErrShutdownRequested{}
		}

		n, err := sc.readChunk(chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:n]...)

		for contentLength < 0 {
			line, rest, ok := base.NextLine(buf)
			if !ok {
				break
			}

			cl, done, perr := parser.HandleLine(string(line))
			if perr != nil {
				return nil, liberrors.ErrBadPacket{Err: perr}
			}
			buf = rest

			if done {
				contentLength = cl
			}
		}

		if contentLength < 0 && len(buf) > headerSectionMaxSize {
			return nil, liberrors.ErrBadPacket{Err: errors.New("header section too large")}
		}
	}

	msg := parser.Message()

	if contentLength > len(buf) {
		// grow once to the final size.
		nb := make([]byte, len(buf), contentLength)
		copy(nb, buf)
		buf = nb
	}

	stallDeadline := time.Now().Add(sc.s.bodyStallTimeout)
	stallReported := false
	bodyChunk := make([]byte, bodyReadChunkSize)

	for len(buf) < contentLength {
		if !stallReported && time.Now().After(stallDeadline) {
			sc.log.Debug("transmission from the source seems to be stalled")
			sc.s.sendSSNCMetadata(metadata.CodeStalled, nil, nil)
			stallReported = true
		}

		if sc.stop.Load() {
			return nil, liberrors.ErrShutdownRequested{}
		}

		want := contentLength - len(buf)
		if want > bodyReadChunkSize {
			want = bodyReadChunkSize
		}

		// pacing between body reads; small senders starve otherwise.
		time.Sleep(sc.s.BodyReadPacing)

		n, err := sc.readChunk(bodyChunk[:want])
		if err != nil {
			return nil, err
		}
		buf = append(buf, bodyChunk[:n]...)
	}

	if contentLength > 0 {
		msg.Content = buf[:contentLength]
	}
	return msg, nil
}
