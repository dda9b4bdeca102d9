package hdlc

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

const (
	DefaultMaxInfo = 128
	maxInfoLimit   = 2030
)

type Settings struct {
	ClientAddress   int
	LogicalAddress  int
	PhysicalAddress int
	AddressSize     int // 0, 1, 2 or 4
	MaxInfoTX       int // 0 means DefaultMaxInfo
	MaxInfoRX       int
}

// Link keeps sequence numbers and negotiated sizes of one hdlc connection, client side.
type Link struct {
	client []byte
	server []byte
	ns     byte
	nr     byte
	maxtx  int
	maxrx  int
	logger *zap.SugaredLogger
}

func NewLink(s Settings) (*Link, error) {
	if s.ClientAddress <= 0 || s.ClientAddress >= 0x80 {
		return nil, fmt.Errorf("invalid client address %d", s.ClientAddress)
	}
	server, err := EncodeServerAddress(s.LogicalAddress, s.PhysicalAddress, s.AddressSize)
	if err != nil {
		return nil, err
	}
	l := &Link{
		client: EncodeClientAddress(s.ClientAddress),
		server: server,
		maxtx:  s.MaxInfoTX,
		maxrx:  s.MaxInfoRX,
	}
	if l.maxtx <= 0 || l.maxtx > maxInfoLimit {
		l.maxtx = DefaultMaxInfo
	}
	if l.maxrx <= 0 || l.maxrx > maxInfoLimit {
		l.maxrx = DefaultMaxInfo
	}
	return l, nil
}

func (l *Link) SetLogger(logger *zap.SugaredLogger) {
	l.logger = logger
}

func (l *Link) logf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Infof(format, v...)
	}
}

func (l *Link) MaxInfoTX() int {
	return l.maxtx
}

func (l *Link) MaxInfoRX() int {
	return l.maxrx
}

// SNRM resets sequence numbers and proposes information field lengths, window is always 1.
func (l *Link) SNRM() ([]byte, error) {
	l.ns = 0
	l.nr = 0
	info := []byte{0x81, 0x80, 0x14,
		0x05, 0x02, byte(l.maxtx >> 8), byte(l.maxtx),
		0x06, 0x02, byte(l.maxrx >> 8), byte(l.maxrx),
		0x07, 0x04, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x04, 0x00, 0x00, 0x00, 0x01}
	return Encode(l.server, l.client, ControlSNRM, false, info)
}

// AcceptUA takes negotiated lengths from the UA answer to SNRM.
func (l *Link) AcceptUA(f *Frame) error {
	if err := l.check(f); err != nil {
		return err
	}
	switch f.Control | pollFinal {
	case ControlUA:
	case ControlDM:
		return fmt.Errorf("snrm refused, disconnected mode")
	case ControlFRMR:
		return fmt.Errorf("snrm refused, frame reject")
	default:
		return fmt.Errorf("unexpected answer to snrm, control %02X", f.Control)
	}
	if len(f.Info) == 0 {
		return nil
	}
	if len(f.Info) < 3 || f.Info[0] != 0x81 || f.Info[1] != 0x80 {
		return fmt.Errorf("invalid ua parameters")
	}
	p := f.Info[3:]
	if int(f.Info[2]) < len(p) {
		p = p[:f.Info[2]]
	}
	for len(p) >= 2 {
		id, n := p[0], int(p[1])
		if len(p) < 2+n {
			return fmt.Errorf("truncated ua parameter %02X", id)
		}
		v := 0
		for _, b := range p[2 : 2+n] {
			v = v<<8 | int(b)
		}
		switch id {
		case 0x05: // server transmit is our receive
			if v > 0 && v < l.maxrx {
				l.maxrx = v
			}
		case 0x06:
			if v > 0 && v < l.maxtx {
				l.maxtx = v
			}
		}
		p = p[2+n:]
	}
	l.logf("HDLC connected, max info tx %d rx %d", l.maxtx, l.maxrx)
	return nil
}

func (l *Link) DISC() ([]byte, error) {
	return Encode(l.server, l.client, ControlDISC, false, nil)
}

// AcceptDisconnect succeeds for UA and DM, meter already disconnected is fine.
func (l *Link) AcceptDisconnect(f *Frame) error {
	if err := l.check(f); err != nil {
		return err
	}
	switch f.Control | pollFinal {
	case ControlUA, ControlDM:
		return nil
	}
	return fmt.Errorf("unexpected answer to disc, control %02X", f.Control)
}

// Information prepends the LLC header and splits apdu into I frames.
func (l *Link) Information(apdu []byte) ([][]byte, error) {
	payload := make([]byte, 0, len(llcRequest)+len(apdu))
	payload = append(payload, llcRequest...)
	payload = append(payload, apdu...)

	var frames [][]byte
	for len(payload) > 0 {
		n := min(len(payload), l.maxtx)
		control := l.nr<<5 | pollFinal | l.ns<<1
		l.ns = (l.ns + 1) & 7
		fr, err := Encode(l.server, l.client, control, n < len(payload), payload[:n])
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
		payload = payload[n:]
	}
	return frames, nil
}

func (l *Link) ReceiverReady() ([]byte, error) {
	return Encode(l.server, l.client, l.nr<<5|pollFinal|0x01, false, nil)
}

// Accept validates an incoming frame against addresses and sequence numbers.
func (l *Link) Accept(f *Frame) error {
	if err := l.check(f); err != nil {
		return err
	}
	switch {
	case f.IsInformation():
		if f.SendSequence() != l.nr {
			return fmt.Errorf("unexpected send sequence %d, expected %d", f.SendSequence(), l.nr)
		}
		l.nr = (l.nr + 1) & 7
	case f.IsReceiverReady():
	case f.Control|pollFinal == ControlDM:
		return fmt.Errorf("meter is in disconnected mode")
	case f.Control|pollFinal == ControlFRMR:
		return fmt.Errorf("frame rejected by meter")
	}
	return nil
}

func (l *Link) check(f *Frame) error {
	if !bytes.Equal(f.Dest, l.client) {
		return fmt.Errorf("frame for another client address % X", f.Dest)
	}
	if !bytes.Equal(f.Src, l.server) {
		return fmt.Errorf("frame from another server address % X", f.Src)
	}
	return nil
}

// StripLLC removes the response LLC header of a reassembled information field.
func StripLLC(info []byte) ([]byte, error) {
	if len(info) < 3 || !bytes.Equal(info[:3], llcResponse) {
		return nil, fmt.Errorf("invalid LLC received header")
	}
	return info[3:], nil
}

// ServerEncoder builds frames in meter direction, used to emulate a meter.
type ServerEncoder struct {
	Client []byte
	Server []byte
	ns     byte
	nr     byte
}

func (s *ServerEncoder) UA(info []byte) ([]byte, error) {
	s.ns = 0
	s.nr = 0
	return Encode(s.Client, s.Server, ControlUA, false, info)
}

// Information splits apdu behind the response LLC header into chunks of max bytes.
func (s *ServerEncoder) Information(apdu []byte, max int) ([][]byte, error) {
	payload := append(append([]byte{}, llcResponse...), apdu...)
	var frames [][]byte
	for len(payload) > 0 {
		n := min(len(payload), max)
		s.nr = (s.nr + 1) & 7 // every client frame was acknowledged
		fr, err := Encode(s.Client, s.Server, s.nr<<5|pollFinal|s.ns<<1, n < len(payload), payload[:n])
		if err != nil {
			return nil, err
		}
		s.ns = (s.ns + 1) & 7
		frames = append(frames, fr)
		payload = payload[n:]
	}
	return frames, nil
}
