package metadata

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// send buffer of the metadata datagram socket.
const multicastSendBuffer = 4 * 1024 * 1024

// chunked datagrams carry an extra "ssncchnk" || chunk_ix || chunk_total
// prefix before the usual type || code header.
const chunkHeaderSize = 24

// multicastSink emits one UDP datagram per package. Payloads that do not
// fit in a single datagram are chunked.
type multicastSink struct {
	address       string
	port          int
	sockMsgLength int
	log           *logrus.Logger

	conn *net.UDPConn
}

func (s *multicastSink) initialize() error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(s.address, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return err
	}
	conn.SetWriteBuffer(multicastSendBuffer)

	if addr.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		p.SetMulticastTTL(1)
		p.SetMulticastLoopback(true)
	}

	s.conn = conn
	return nil
}

func (s *multicastSink) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *multicastSink) send(pkg Package) {
	if s.conn == nil {
		return
	}

	if len(pkg.Data) <= s.sockMsgLength-8 {
		buf := make([]byte, 8+len(pkg.Data))
		binary.BigEndian.PutUint32(buf, pkg.Type)
		binary.BigEndian.PutUint32(buf[4:], pkg.Code)
		copy(buf[8:], pkg.Data)

		s.conn.Write(buf)
		return
	}

	// chunked: "ssnc" "chnk" chunk_ix chunk_total type code payload_slice
	chunkPayload := s.sockMsgLength - chunkHeaderSize
	chunkTotal := uint32((len(pkg.Data) + chunkPayload - 1) / chunkPayload)

	remaining := pkg.Data
	for chunkIx := uint32(0); len(remaining) != 0; chunkIx++ {
		n := len(remaining)
		if n > chunkPayload {
			n = chunkPayload
		}

		buf := make([]byte, chunkHeaderSize+n)
		copy(buf, "ssncchnk")
		binary.BigEndian.PutUint32(buf[8:], chunkIx)
		binary.BigEndian.PutUint32(buf[12:], chunkTotal)
		binary.BigEndian.PutUint32(buf[16:], pkg.Type)
		binary.BigEndian.PutUint32(buf[20:], pkg.Code)
		copy(buf[chunkHeaderSize:], remaining[:n])

		s.conn.Write(buf)
		remaining = remaining[n:]
	}
}
