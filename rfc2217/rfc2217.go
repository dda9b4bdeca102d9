// Package rfc2217 reaches a meter behind a terminal server, the serial line
// is driven over telnet with the com port control option of RFC 2217.
package rfc2217

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"go.uber.org/zap"
)

const (
	optBinary  = 0
	optSGA     = 3
	optComPort = 44

	cmdSE   = 240
	cmdSB   = 250
	cmdWill = 251
	cmdWont = 252
	cmdDo   = 253
	cmdDont = 254
	cmdIAC  = 255

	// client to server com port commands, the server answers with +100
	comSignature = 0
	comBaudRate  = 1
	comDataSize  = 2
	comParity    = 3
	comStopSize  = 4
	comPurgeData = 12

	signature = "dlmsgate"

	maxSubnegotiation = 256
)

// decoder states
const (
	stData = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

type stream struct {
	transport base.Stream
	line      base.SerialStreamSettings
	logger    *zap.SugaredLogger
	open      bool

	state   int
	command byte
	sub     []byte
	out     []byte
}

// New drives the line settings of line over transport, usually a tcp stream
// to the terminal server port. line.Port is not used.
func New(transport base.Stream, line base.SerialStreamSettings) base.Stream {
	return &stream{
		transport: transport,
		line:      line,
		sub:       make([]byte, 0, maxSubnegotiation),
		out:       make([]byte, 0, 512),
	}
}

func (s *stream) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *stream) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

func (s *stream) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
	s.transport.SetLogger(logger)
}

func (s *stream) SetTimeout(d time.Duration) { s.transport.SetTimeout(d) }
func (s *stream) SetDeadline(t time.Time) { s.transport.SetDeadline(t) }
func (s *stream) SetMaxReceivedBytes(m int64) { s.transport.SetMaxReceivedBytes(m) }
func (s *stream) GetRxTxBytes() (int64, int64) {
	return s.transport.GetRxTxBytes()
}

func (s *stream) IsOpen() bool {
	return s.open && s.transport.IsOpen()
}

// Open connects the transport, offers the telnet options and sets the line.
// The server confirmations are consumed by Read as they arrive.
func (s *stream) Open() error {
	if s.open {
		return nil
	}
	if err := s.transport.Open(); err != nil {
		return err
	}
	s.state, s.sub = stData, s.sub[:0]

	b := make([]byte, 0, 64)
	for _, opt := range [...]byte{optBinary, optSGA, optComPort} {
		b = append(b, cmdIAC, cmdWill, opt)
	}
	b = appendSub(b, comSignature, []byte(signature))
	var baud [4]byte
	binary.BigEndian.PutUint32(baud[:], uint32(s.line.BaudRate))
	b = appendSub(b, comBaudRate, baud[:])
	b = appendSub(b, comDataSize, []byte{s.line.DataBits})
	b = appendSub(b, comParity, []byte{byte(s.line.Parity)})
	b = appendSub(b, comStopSize, []byte{byte(s.line.StopBits)})
	b = appendSub(b, comPurgeData, []byte{3})
	if err := s.transport.Write(b); err != nil {
		_ = s.transport.Disconnect()
		return fmt.Errorf("com port negotiation: %w", err)
	}
	s.open = true
	s.logf("com port %d %d%c%d requested", s.line.BaudRate, s.line.DataBits, parityLetter(s.line.Parity), s.line.StopBits)
	return nil
}

func (s *stream) Disconnect() error {
	s.open = false
	return s.transport.Disconnect()
}

func appendSub(b []byte, cmd byte, value []byte) []byte {
	b = append(b, cmdIAC, cmdSB, optComPort, cmd)
	for _, v := range value {
		if v == cmdIAC {
			b = append(b, cmdIAC)
		}
		b = append(b, v)
	}
	return append(b, cmdIAC, cmdSE)
}

func parityLetter(p base.SerialParity) byte {
	switch p {
	case base.SerialOddParity:
		return 'O'
	case base.SerialEvenParity:
		return 'E'
	}
	return 'N'
}

// Write doubles every IAC byte of src.
func (s *stream) Write(src []byte) error {
	if !s.open {
		return base.ErrNotOpened
	}
	s.out = s.out[:0]
	for _, b := range src {
		if b == cmdIAC {
			s.out = append(s.out, cmdIAC)
		}
		s.out = append(s.out, b)
	}
	return s.transport.Write(s.out)
}

// Read returns line data with telnet commands removed. Reads that carry
// only commands are consumed and the next one is waited for.
func (s *stream) Read(p []byte) (int, error) {
	if !s.open {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	for {
		n, err := s.transport.Read(p)
		if n == 0 {
			return 0, err
		}
		m, err := s.decode(p[:n])
		if err != nil || m > 0 {
			return m, err
		}
	}
}

// decode filters b in place and answers option requests on the way.
func (s *stream) decode(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		switch s.state {
		case stData:
			if c == cmdIAC {
				s.state = stIAC
				continue
			}
			b[n] = c
			n++
		case stIAC:
			switch c {
			case cmdIAC:
				b[n] = c
				n++
				s.state = stData
			case cmdWill, cmdWont, cmdDo, cmdDont:
				s.command = c
				s.state = stOption
			case cmdSB:
				s.sub = s.sub[:0]
				s.state = stSub
			default:
				s.dlogf("telnet command %d ignored", c)
				s.state = stData
			}
		case stOption:
			s.state = stData
			if err := s.option(s.command, c); err != nil {
				return 0, err
			}
		case stSub:
			if c == cmdIAC {
				s.state = stSubIAC
				continue
			}
			if len(s.sub) == maxSubnegotiation {
				return 0, fmt.Errorf("telnet subnegotiation longer than %d bytes", maxSubnegotiation)
			}
			s.sub = append(s.sub, c)
		case stSubIAC:
			switch c {
			case cmdIAC:
				s.sub = append(s.sub, c)
				s.state = stSub
			case cmdSE:
				s.state = stData
				if err := s.subnegotiation(s.sub); err != nil {
					return 0, err
				}
			default:
				return 0, fmt.Errorf("telnet subnegotiation broken by command %d", c)
			}
		}
	}
	return n, nil
}

func mandatory(opt byte) bool {
	return opt == optBinary || opt == optSGA || opt == optComPort
}

func (s *stream) option(cmd byte, opt byte) error {
	switch {
	case mandatory(opt) && (cmd == cmdWont || cmd == cmdDont):
		return fmt.Errorf("terminal server refused telnet option %d", opt)
	case mandatory(opt):
		return nil
	case cmd == cmdDo:
		return s.transport.Write([]byte{cmdIAC, cmdWont, opt})
	case cmd == cmdWill:
		return s.transport.Write([]byte{cmdIAC, cmdDont, opt})
	}
	return nil
}

func (s *stream) subnegotiation(sub []byte) error {
	if len(sub) < 2 || sub[0] != optComPort {
		s.dlogf("subnegotiation % x ignored", sub)
		return nil
	}
	cmd, v := sub[1], sub[2:]
	switch cmd {
	case comSignature + 100:
		if len(v) == 0 {
			return s.transport.Write(appendSub(nil, comSignature, []byte(signature)))
		}
		s.logf("terminal server %q", strings.TrimRight(string(v), "\x00 \r\n"))
	case comBaudRate + 100:
		if len(v) != 4 {
			return fmt.Errorf("baud rate confirmation of %d bytes", len(v))
		}
		if got := int(binary.BigEndian.Uint32(v)); got != s.line.BaudRate {
			s.logf("terminal server runs %d baud instead of %d", got, s.line.BaudRate)
		}
	case comDataSize + 100, comParity + 100, comStopSize + 100:
		if len(v) != 1 {
			return fmt.Errorf("line setting %d confirmation of %d bytes", cmd-100, len(v))
		}
		s.dlogf("line setting %d confirmed as %d", cmd-100, v[0])
	default:
		s.dlogf("com port notification %d % x", cmd, v)
	}
	return nil
}
