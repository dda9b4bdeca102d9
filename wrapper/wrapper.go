// Package wrapper implements the DLMS Wrapper framing for TCP/IP transport.
//
// The wrapper adds a 8-byte header in front of every apdu:
//   - Version (2 bytes): Always 0x0001
//   - Source WPORT (2 bytes): Logical address of sender
//   - Destination WPORT (2 bytes): Logical address of receiver
//   - Length (2 bytes): Payload length
//
// Unlike hdlc there is no link layer handshake and no segmentation, one apdu per frame.
package wrapper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

const (
	headerLength = 8
	version      = 0x0001
	MaxPayload   = 0xffff
)

var ErrIncomplete = errors.New("incomplete wrapper frame")

type Frame struct {
	Source      uint16
	Destination uint16
	Payload     []byte
}

func Encode(source uint16, destination uint16, apdu []byte) ([]byte, error) {
	if len(apdu) > MaxPayload {
		return nil, fmt.Errorf("apdu too long for wrapper: %d", len(apdu))
	}
	out := make([]byte, headerLength+len(apdu))
	binary.BigEndian.PutUint16(out, version)
	binary.BigEndian.PutUint16(out[2:], source)
	binary.BigEndian.PutUint16(out[4:], destination)
	binary.BigEndian.PutUint16(out[6:], uint16(len(apdu)))
	copy(out[headerLength:], apdu)
	return out, nil
}

// Decode returns the first frame of buf and the number of consumed bytes.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLength {
		return nil, 0, ErrIncomplete
	}
	if v := binary.BigEndian.Uint16(buf); v != version {
		return nil, 0, fmt.Errorf("invalid wrapper version %04X", v)
	}
	l := int(binary.BigEndian.Uint16(buf[6:]))
	if len(buf) < headerLength+l {
		return nil, 0, ErrIncomplete
	}
	return &Frame{
		Source:      binary.BigEndian.Uint16(buf[2:]),
		Destination: binary.BigEndian.Uint16(buf[4:]),
		Payload:     slices.Clone(buf[headerLength : headerLength+l]),
	}, headerLength + l, nil
}

// Link holds wport addresses of one client/meter pair.
type Link struct {
	Client uint16
	Server uint16
}

func (l *Link) Wrap(apdu []byte) ([]byte, error) {
	return Encode(l.Client, l.Server, apdu)
}

// Accept checks the frame is addressed from our server to our client.
func (l *Link) Accept(f *Frame) error {
	if f.Source != l.Server || f.Destination != l.Client {
		return fmt.Errorf("unexpected wrapper addresses %d->%d", f.Source, f.Destination)
	}
	return nil
}
