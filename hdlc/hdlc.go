package hdlc

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

const (
	flag = 0x7e

	formatType      = 0xa0
	formatSegmented = 0x08

	maxFrameLength = 0x7ff

	ControlSNRM = 0x93
	ControlUA   = 0x73
	ControlDISC = 0x53
	ControlDM   = 0x1f
	ControlFRMR = 0x97
	ControlUI   = 0x13

	pollFinal = 0x10
)

var ErrIncomplete = errors.New("incomplete hdlc frame")
var ErrInvalidFrame = errors.New("invalid hdlc frame")

var llcRequest = []byte{0xe6, 0xe6, 0x00}
var llcResponse = []byte{0xe6, 0xe7, 0x00}

var fcstab [256]uint16

func init() {
	for i := range fcstab {
		c := uint16(i)
		for range 8 {
			if c&1 != 0 {
				c = (c >> 1) ^ 0x8408
			} else {
				c >>= 1
			}
		}
		fcstab[i] = c
	}
}

// Checksum is CRC-16/X.25 as used for both HCS and FCS.
func Checksum(b []byte) uint16 {
	fcs := uint16(0xffff)
	for _, v := range b {
		fcs = (fcs >> 8) ^ fcstab[(fcs^uint16(v))&0xff]
	}
	return fcs ^ 0xffff
}

type Frame struct {
	Dest      []byte // raw address bytes
	Src       []byte
	Control   byte
	Segmented bool
	Info      []byte
}

func (f *Frame) IsInformation() bool {
	return f.Control&1 == 0
}

func (f *Frame) IsReceiverReady() bool {
	return f.Control&0x0f == 0x01
}

// SendSequence is N(S) of an I frame.
func (f *Frame) SendSequence() byte {
	return (f.Control >> 1) & 7
}

// ReceiveSequence is N(R) of an I or S frame.
func (f *Frame) ReceiveSequence() byte {
	return f.Control >> 5
}

// Encode builds one complete frame including both flags.
func Encode(dest []byte, src []byte, control byte, segmented bool, info []byte) ([]byte, error) {
	length := 2 + len(dest) + len(src) + 1 + 2
	if len(info) > 0 {
		length += 2 + len(info)
	}
	if length > maxFrameLength {
		return nil, fmt.Errorf("frame too long: %d", length)
	}
	out := make([]byte, 0, length+2)
	format := byte(formatType) | byte(length>>8)&0x07
	if segmented {
		format |= formatSegmented
	}
	out = append(out, flag, format, byte(length))
	out = append(out, dest...)
	out = append(out, src...)
	out = append(out, control)
	if len(info) > 0 {
		hcs := Checksum(out[1:])
		out = append(out, byte(hcs), byte(hcs>>8))
		out = append(out, info...)
	}
	fcs := Checksum(out[1:])
	out = append(out, byte(fcs), byte(fcs>>8), flag)
	return out, nil
}

// Decode looks for the first complete frame in buf. It returns the number of bytes the caller can drop,
// which is non zero also for ErrIncomplete when leading garbage was skipped.
// The closing flag is not consumed as it could open the next frame.
func Decode(buf []byte) (*Frame, int, error) {
	skip := bytes.IndexByte(buf, flag)
	if skip < 0 {
		return nil, len(buf), ErrIncomplete
	}
	for skip+1 < len(buf) && buf[skip+1] == flag {
		skip++
	}
	b := buf[skip:]
	if len(b) < 3 {
		return nil, skip, ErrIncomplete
	}
	format := uint16(b[1])<<8 | uint16(b[2])
	if format&0xf000 != 0xa000 {
		return nil, skip + 1, fmt.Errorf("%w: format %04X", ErrInvalidFrame, format)
	}
	length := int(format & maxFrameLength)
	if length < 7 {
		return nil, skip + 1, fmt.Errorf("%w: length %d", ErrInvalidFrame, length)
	}
	if len(b) < length+2 {
		return nil, skip, ErrIncomplete
	}
	if b[length+1] != flag {
		return nil, skip + 1, fmt.Errorf("%w: missing closing flag", ErrInvalidFrame)
	}
	body := b[1 : length+1]
	if Checksum(body[:length-2]) != uint16(body[length-2])|uint16(body[length-1])<<8 {
		return nil, skip + 1, fmt.Errorf("%w: fcs mismatch", ErrInvalidFrame)
	}

	pos := 2
	dest, n, err := readAddress(body[pos : length-2])
	if err != nil {
		return nil, skip + 1, err
	}
	pos += n
	src, n, err := readAddress(body[pos : length-2])
	if err != nil {
		return nil, skip + 1, err
	}
	pos += n
	if pos >= length-2 {
		return nil, skip + 1, fmt.Errorf("%w: no control field", ErrInvalidFrame)
	}
	f := &Frame{
		Dest:      dest,
		Src:       src,
		Control:   body[pos],
		Segmented: format&(formatSegmented<<8) != 0,
	}
	pos++
	if pos < length-2 { // there is info field so hcs is present
		if pos+2 > length-2 {
			return nil, skip + 1, fmt.Errorf("%w: truncated hcs", ErrInvalidFrame)
		}
		if Checksum(body[:pos]) != uint16(body[pos])|uint16(body[pos+1])<<8 {
			return nil, skip + 1, fmt.Errorf("%w: hcs mismatch", ErrInvalidFrame)
		}
		pos += 2
		f.Info = slices.Clone(body[pos : length-2])
	}
	return f, skip + length + 1, nil
}

func readAddress(b []byte) ([]byte, int, error) {
	for i := 0; i < len(b) && i < 4; i++ {
		if b[i]&1 != 0 {
			if i == 2 { // only 1, 2 or 4 bytes are allowed
				break
			}
			return slices.Clone(b[:i+1]), i + 1, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: invalid address field", ErrInvalidFrame)
}

func EncodeClientAddress(client int) []byte {
	return []byte{byte(client<<1) | 1}
}

// EncodeServerAddress encodes upper (logical) and lower (physical) hdlc address, size 0 picks the shortest form.
func EncodeServerAddress(logical int, physical int, size int) ([]byte, error) {
	if size == 0 {
		switch {
		case physical == 0 && logical < 0x80:
			size = 1
		case physical < 0x80 && logical < 0x80:
			size = 2
		default:
			size = 4
		}
	}
	switch size {
	case 1:
		if logical >= 0x80 || physical != 0 {
			return nil, fmt.Errorf("server address %d/%d does not fit one byte", logical, physical)
		}
		return []byte{byte(logical<<1) | 1}, nil
	case 2:
		if logical >= 0x80 || physical >= 0x80 {
			return nil, fmt.Errorf("server address %d/%d does not fit two bytes", logical, physical)
		}
		return []byte{byte(logical << 1), byte(physical<<1) | 1}, nil
	case 4:
		if logical >= 0x4000 || physical >= 0x4000 {
			return nil, fmt.Errorf("server address %d/%d does not fit four bytes", logical, physical)
		}
		return []byte{byte(logical>>7) << 1, byte(logical&0x7f) << 1, byte(physical>>7) << 1, byte(physical&0x7f)<<1 | 1}, nil
	}
	return nil, fmt.Errorf("invalid server address size %d", size)
}
