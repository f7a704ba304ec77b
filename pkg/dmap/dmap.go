// Package dmap contains a walker for DMAP-tagged metadata payloads.
package dmap

import (
	"encoding/binary"
)

// headerSize is the number of bytes skipped at the start of a payload;
// senders prefix the tag stream with a container header.
const headerSize = 8

// Item is one tag/value tuple of a DMAP stream.
type Item struct {
	// 4-byte tag, big-endian.
	Tag uint32

	// raw value bytes; references the payload, not a copy.
	Value []byte
}

// Walk calls f for each well-formed tuple of the payload, in order.
// Walking stops at the first truncated tuple; trailing garbage is ignored
// the way senders expect.
func Walk(payload []byte, f func(Item)) {
	off := headerSize

	for off+8 <= len(payload) {
		tag := binary.BigEndian.Uint32(payload[off:])
		off += 4
		vl := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4

		if vl < 0 || off+vl > len(payload) {
			return
		}

		f(Item{Tag: tag, Value: payload[off : off+vl]})
		off += vl
	}
}
