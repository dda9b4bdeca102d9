package serial

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	tarm "github.com/tarm/serial"
	"go.uber.org/zap"
)

// port read timeout, reads are repeated until the stream timeout or deadline passes
const pollslice = 100 * time.Millisecond

type port interface {
	io.ReadWriteCloser
}

type serialStream struct {
	settings base.SerialStreamSettings
	open     func(c *tarm.Config) (port, error)
	port     port
	isopen   bool
	timeout  time.Duration
	deadline time.Time

	totalincoming   int64
	totaloutgoing   int64
	currentincoming int64
	maxincoming     int64

	logger *zap.SugaredLogger
}

func New(settings base.SerialStreamSettings, timeout time.Duration) base.Stream {
	return &serialStream{
		settings: settings,
		timeout:  timeout,
		open: func(c *tarm.Config) (port, error) {
			return tarm.OpenPort(c)
		},
	}
}

func (r *serialStream) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *serialStream) config() *tarm.Config {
	c := &tarm.Config{
		Name:        r.settings.Port,
		Baud:        r.settings.BaudRate,
		ReadTimeout: pollslice,
		Size:        r.settings.DataBits,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.Size == 0 {
		c.Size = 8
	}
	switch r.settings.Parity {
	case base.SerialOddParity:
		c.Parity = tarm.ParityOdd
	case base.SerialEvenParity:
		c.Parity = tarm.ParityEven
	}
	if r.settings.StopBits == base.SerialTwoStopBits {
		c.StopBits = tarm.Stop2
	}
	return c
}

func (r *serialStream) Open() error {
	if r.isopen {
		return nil
	}
	p, err := r.open(r.config())
	if err != nil {
		r.logf("Open %s failed: %v", r.settings.Port, err)
		return fmt.Errorf("open serial port failed: %w", err)
	}
	r.logf("Opened %s at %d baud", r.settings.Port, r.settings.BaudRate)
	r.port = p
	r.isopen = true
	return nil
}

func (r *serialStream) Disconnect() error {
	if !r.isopen {
		return nil
	}
	r.isopen = false
	err := r.port.Close()
	r.port = nil
	r.logf("Closed %s", r.settings.Port)
	r.logf("Total bytes incoming: %v, outgoing: %v", r.totalincoming, r.totaloutgoing)
	return err
}

func (r *serialStream) IsOpen() bool {
	return r.isopen
}

func (r *serialStream) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

func (r *serialStream) SetTimeout(t time.Duration) {
	r.timeout = t
}

func (r *serialStream) SetDeadline(t time.Time) {
	r.deadline = t
}

func (r *serialStream) SetMaxReceivedBytes(m int64) {
	r.currentincoming = 0
	r.maxincoming = m
}

func (r *serialStream) GetRxTxBytes() (int64, int64) {
	return r.totalincoming, r.totaloutgoing
}

func (r *serialStream) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	for len(src) > 0 {
		n, err := r.port.Write(src)
		r.totaloutgoing += int64(n)
		if n > 0 && r.logger != nil {
			r.logger.Debugf("TX (%s): %6d %s", r.settings.Port, n, strings.ToUpper(hex.EncodeToString(src[:n])))
		}
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		src = src[n:]
	}
	return nil
}

func (r *serialStream) Read(p []byte) (n int, err error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	end := time.Now().Add(r.timeout)
	if !r.deadline.IsZero() && r.deadline.Before(end) {
		end = r.deadline
	}
	for {
		n, err = r.port.Read(p)
		if n > 0 {
			r.totalincoming += int64(n)
			r.currentincoming += int64(n)
			if r.maxincoming > 0 && r.currentincoming > r.maxincoming {
				return 0, fmt.Errorf("received more than allowed")
			}
			if r.logger != nil {
				r.logger.Debugf("RX (%s): %6d %s", r.settings.Port, n, strings.ToUpper(hex.EncodeToString(p[:n])))
			}
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) { // tarm reports an expired read slice as eof
			return 0, err
		}
		if !time.Now().Before(end) {
			return 0, base.ErrCommunicationTimeout
		}
	}
}
