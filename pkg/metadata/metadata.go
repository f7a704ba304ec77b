// Package metadata contains the metadata fan-out.
//
// Each piece of metadata is identified by two 4-character codes. The first,
// the "type", is either 'core' for tagged metadata relayed from the sender
// or 'ssnc' for events generated by the receiver itself. For 'core'
// packages the second code is the DMAP tag; for 'ssnc' packages it
// distinguishes the events:
//
//	'PICT' -- the payload is a picture, JPEG or PNG; check the first bytes.
//	'stal' -- the source seems to be stalled while sending a large item.
//	'prgr' -- progress: RTP timestamps for the start, current point and end
//	          of the play sequence.
//	'mdst' / 'mden' -- a batch of metadata is starting / has ended; the
//	          payload is the associated rtptime, when available.
//	'pcst' / 'pcen' -- a picture is about to be sent / has been sent; the
//	          payload is the associated rtptime, when available.
//	'snam' -- the sender's device name (X-Apple-Client-Name).
//	'snua' -- the sender's User-Agent string.
//	'daid' -- the source's DACP-ID, for remote control of the source.
//	'acre' -- the source's Active-Remote token, needed to send remote
//	          control commands to the source.
package metadata

import (
	"github.com/tuneport/raop/pkg/base"
)

// package types.
const (
	TypeCore = uint32('c')<<24 | uint32('o')<<16 | uint32('r')<<8 | uint32('e')
	TypeSSNC = uint32('s')<<24 | uint32('s')<<16 | uint32('n')<<8 | uint32('c')
)

// 'ssnc' event codes emitted by the control plane.
const (
	CodeStalled       = uint32('s')<<24 | uint32('t')<<16 | uint32('a')<<8 | uint32('l')
	CodeProgress      = uint32('p')<<24 | uint32('r')<<16 | uint32('g')<<8 | uint32('r')
	CodeActiveRemote  = uint32('a')<<24 | uint32('c')<<16 | uint32('r')<<8 | uint32('e')
	CodeDACPID        = uint32('d')<<24 | uint32('a')<<16 | uint32('i')<<8 | uint32('d')
	CodeClientName    = uint32('s')<<24 | uint32('n')<<16 | uint32('a')<<8 | uint32('m')
	CodeUserAgent     = uint32('s')<<24 | uint32('n')<<16 | uint32('u')<<8 | uint32('a')
	CodeMetadataStart = uint32('m')<<24 | uint32('d')<<16 | uint32('s')<<8 | uint32('t')
	CodeMetadataEnd   = uint32('m')<<24 | uint32('d')<<16 | uint32('e')<<8 | uint32('n')
	CodePictureStart  = uint32('p')<<24 | uint32('c')<<16 | uint32('s')<<8 | uint32('t')
	CodePictureEnd    = uint32('p')<<24 | uint32('c')<<16 | uint32('e')<<8 | uint32('n')
	CodePicture       = uint32('P')<<24 | uint32('I')<<16 | uint32('C')<<8 | uint32('T')
)

// Package is one queued piece of metadata.
//
// When Carrier is set, Data points into the carrier message and the
// package holds one reference to it for its own lifetime; the consumer
// releases it. When Carrier is nil, Data (if any) was copied at publish
// time.
type Package struct {
	Type    uint32
	Code    uint32
	Data    []byte
	Carrier *base.Message
}

func (p *Package) release() {
	if p.Carrier != nil {
		p.Carrier.Release()
		p.Carrier = nil
	}
}
