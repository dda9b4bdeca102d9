package tcp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"go.uber.org/zap"
)

var errRxLimit = errors.New("meter sent more bytes than allowed")

type dialfunc func(network, address string, timeout time.Duration) (net.Conn, error)

// traffic counts bytes over the whole life of the stream and received bytes
// since the last SetMaxReceivedBytes.
type traffic struct {
	rx, tx int64
	window int64
	limit  int64
}

func (c *traffic) received(n int) error {
	c.rx += int64(n)
	c.window += int64(n)
	if c.limit > 0 && c.window > c.limit {
		return errRxLimit
	}
	return nil
}

type stream struct {
	address  string
	dial     dialfunc
	conn     net.Conn
	timeout  time.Duration
	deadline time.Time
	traffic  traffic
	logger   *zap.SugaredLogger
}

// New returns a stream to the meter at host:port. timeout bounds the dial and
// every single read or write.
func New(host string, port int, timeout time.Duration) base.Stream {
	return &stream{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		dial:    net.DialTimeout,
		timeout: timeout,
	}
}

// NewConn wraps an already connected socket, mostly for tests and inbound meter connections.
func NewConn(conn net.Conn, timeout time.Duration) base.Stream {
	return &stream{
		address: conn.RemoteAddr().String(),
		dial:    func(string, string, time.Duration) (net.Conn, error) { return conn, nil },
		timeout: timeout,
	}
}

func (s *stream) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *stream) dump(dir string, b []byte) {
	if s.logger != nil && len(b) > 0 {
		s.logger.Debugf("%s %s %5d %s", dir, s.address, len(b), strings.ToUpper(hex.EncodeToString(b)))
	}
}

func (s *stream) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *stream) Open() error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial("tcp", s.address, s.timeout)
	if err != nil {
		s.logf("connecting %s failed: %v", s.address, err)
		return fmt.Errorf("connecting %s: %w", s.address, err)
	}
	s.conn = conn
	s.logf("connected %s", s.address)
	return nil
}

func (s *stream) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logf("disconnected %s, rx %d tx %d bytes", s.address, s.traffic.rx, s.traffic.tx)
	return err
}

func (s *stream) IsOpen() bool {
	return s.conn != nil
}

func (s *stream) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *stream) SetDeadline(t time.Time) {
	s.deadline = t
}

func (s *stream) SetMaxReceivedBytes(m int64) {
	s.traffic.window = 0
	s.traffic.limit = m
}

func (s *stream) GetRxTxBytes() (int64, int64) {
	return s.traffic.rx, s.traffic.tx
}

// arm sets the socket deadline for one call, the earlier one of the stream
// deadline and now plus timeout.
func (s *stream) arm() {
	t := time.Now().Add(s.timeout)
	if !s.deadline.IsZero() && s.deadline.Before(t) {
		t = s.deadline
	}
	_ = s.conn.SetDeadline(t)
}

func (s *stream) Write(src []byte) error {
	if s.conn == nil {
		return base.ErrNotOpened
	}
	for len(src) != 0 {
		s.arm()
		n, err := s.conn.Write(src)
		s.traffic.tx += int64(n)
		s.dump("TX", src[:n])
		if err != nil {
			return fmt.Errorf("writing %s: %w", s.address, timeout(err))
		}
		src = src[n:]
	}
	return nil
}

// Read does one socket read. Data already received wins over an error, which
// then shows up on the next call.
func (s *stream) Read(p []byte) (int, error) {
	if s.conn == nil {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	s.arm()
	n, err := s.conn.Read(p)
	if lerr := s.traffic.received(n); lerr != nil {
		return 0, lerr
	}
	s.dump("RX", p[:n])
	switch {
	case n > 0:
		return n, nil
	case err != nil:
		return 0, timeout(err)
	}
	return 0, io.EOF
}

func timeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return base.ErrCommunicationTimeout
	}
	return err
}
