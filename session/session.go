// Package session drives one meter connection: transport open, association
// handshake, attribute reads and writes, release and close.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/cybroslabs/dlmsgate/counter"
	"github.com/cybroslabs/dlmsgate/rfc2217"
	"github.com/cybroslabs/dlmsgate/serial"
	"github.com/cybroslabs/dlmsgate/tcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateHandshaking
	StateReady
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one opened meter connection. Operations are serialized, it is safe
// to call them from several goroutines but frames of two operations never interleave.
type Session interface {
	State() State
	// EstablishAssociation runs link connect, application association and,
	// when the meter asks for it, the secondary authentication.
	EstablishAssociation(ctx context.Context) error
	Read(ctx context.Context, obj cosem.Object) (cosem.Reading, error)
	Write(ctx context.Context, obj cosem.Object, value any) error
	// Release sends the release and link disconnect, failures are only logged.
	// Nothing is sent when ctx already ended.
	Release(ctx context.Context)
	// Close persists the invocation counter and drops the transport, only the first call does anything.
	Close() error
}

const receiveBufferSize = 2048

type session struct {
	mu     sync.Mutex
	cfg    Config
	stream base.Stream
	codec  Codec
	lease  counter.Lease
	logger *zap.SugaredLogger
	state  atomic.Int32
	buf    []byte
	reply  cosem.Reply
	now    func() time.Time

	closeonce sync.Once
	closeerr  error
}

// Open validates cfg, acquires the invocation counter of a secured session and
// opens the transport. A returned session has to be closed.
func Open(ctx context.Context, cfg Config, opts ...Option) (Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, base.Classify(base.ErrConfiguration, "open", cfg.Address(), err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &session{
		cfg:    cfg,
		logger: o.logger,
		buf:    make([]byte, receiveBufferSize),
		now:    time.Now,
	}
	s.setstate(StateOpening)

	s.codec = o.codec
	if s.codec == nil {
		c, err := newCodec(&cfg, o.logger)
		if err != nil {
			s.setstate(StateClosed)
			return nil, base.Classify(base.ErrConfiguration, "open", cfg.Address(), err)
		}
		s.codec = c
	}

	if cfg.Secured() {
		store := o.counter
		if store == nil {
			f := counter.NewFile(cfg.InvocationCounterPath)
			f.SetLogger(o.logger)
			store = f
		}
		lease, err := store.Acquire(ctx)
		if err != nil {
			s.setstate(StateClosed)
			return nil, base.NewError(base.ErrTimeout, "open", cfg.Address(), err)
		}
		s.lease = lease
		s.codec.SetInvocationCounter(lease.Value())
		s.dlogf("invocation counter starts at %d", lease.Value())
	}

	s.stream = o.stream
	if s.stream == nil {
		s.stream = newStream(&cfg)
	}
	s.stream.SetLogger(o.logger)
	s.stream.SetTimeout(cfg.WaitTime)
	if err := s.stream.Open(); err != nil {
		_ = s.Close()
		return nil, base.Classify(base.ErrTransport, "open", cfg.Address(), err)
	}
	s.logf("session opened, %v", cfg)
	return s, nil
}

func newStream(cfg *Config) base.Stream {
	switch cfg.Transport {
	case TransportSerial:
		return serial.New(cfg.Serial, cfg.WaitTime)
	case TransportRFC2217:
		return rfc2217.New(tcp.New(cfg.Host, cfg.Port, cfg.WaitTime), cfg.Serial)
	}
	return tcp.New(cfg.Host, cfg.Port, cfg.WaitTime)
}

func (s *session) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *session) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setstate(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.dlogf("session %v -> %v", old, st)
	}
}

func (s *session) EstablishAssociation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateOpening {
		return base.NewError(base.ErrAssociation, "associate", "", fmt.Errorf("session is %v", st))
	}
	s.setstate(StateHandshaking)

	steps := [...]struct {
		build func() (*cosem.Request, error)
		parse func(*cosem.Reply) error
	}{
		{s.codec.ConnectRequest, s.codec.ParseConnectResponse},
		{s.codec.AssociationRequest, s.codec.ParseAssociationResponse},
		{s.codec.AuthenticationRequest, s.codec.ParseAuthenticationResponse},
	}
	for _, st := range steps {
		if err := s.step(ctx, "associate", "", base.ErrAssociation, st.build, st.parse); err != nil {
			return err
		}
	}
	s.setstate(StateReady)
	s.logf("association established")
	return nil
}

func (s *session) Read(ctx context.Context, obj cosem.Object) (cosem.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := obj.Obis.String()
	if err := s.ready("read", target); err != nil {
		return cosem.Reading{}, err
	}
	var value any
	err := s.step(ctx, "read", target, base.ErrProtocol,
		func() (*cosem.Request, error) { return s.codec.ReadRequest(obj) },
		func(r *cosem.Reply) (err error) {
			value, err = s.codec.ParseReadResponse(obj, r)
			return
		})
	if err != nil {
		return cosem.Reading{}, err
	}
	return cosem.Reading{Obis: target, Value: value, Timestamp: s.now()}, nil
}

func (s *session) Write(ctx context.Context, obj cosem.Object, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := obj.Obis.String()
	if err := s.ready("write", target); err != nil {
		return err
	}
	return s.step(ctx, "write", target, base.ErrProtocol,
		func() (*cosem.Request, error) { return s.codec.WriteRequest(obj, value) },
		s.codec.ParseWriteResponse)
}

func (s *session) Release(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(ctx)
}

func (s *session) release(ctx context.Context) {
	if s.State() != StateReady {
		return
	}
	s.setstate(StateClosing)
	if ctx.Err() != nil {
		s.dlogf("release skipped, %v", ctx.Err())
		return
	}
	ignore := func(*cosem.Reply) error { return nil }
	if err := s.step(ctx, "release", "", base.ErrProtocol, s.codec.ReleaseRequest, ignore); err != nil {
		s.warn("release failed", err)
	}
	if s.State() == StateFaulted {
		return
	}
	if err := s.step(ctx, "release", "", base.ErrProtocol, s.codec.DisconnectRequest, s.codec.ParseDisconnectResponse); err != nil {
		s.warn("link disconnect failed", err)
	}
}

func (s *session) Close() error {
	s.closeonce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.release(context.Background())
		faulted := s.State() == StateFaulted
		if !faulted {
			s.setstate(StateClosing)
		}
		var err error
		if s.lease != nil {
			ic := s.codec.InvocationCounter()
			err = multierr.Append(err, s.lease.Commit(ic))
			s.dlogf("invocation counter committed at %d", ic)
		}
		if s.stream != nil && s.stream.IsOpen() {
			err = multierr.Append(err, s.stream.Disconnect())
		}
		if !faulted {
			s.setstate(StateClosed)
		}
		s.closeerr = err
	})
	return s.closeerr
}

func (s *session) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warnw(msg, "address", s.cfg.Address(), "error", err)
	}
}

func (s *session) ready(op string, target string) error {
	switch st := s.State(); st {
	case StateReady:
		return nil
	case StateFaulted:
		return base.NewError(base.ErrTransport, op, target, base.ErrNotOpened)
	default:
		return base.NewError(base.ErrProtocol, op, target, fmt.Errorf("session is %v", st))
	}
}

// step runs one request/response pair, a nil request skips it. parse is not
// called when a no-reply request stayed unanswered.
func (s *session) step(ctx context.Context, op string, target string, class error, build func() (*cosem.Request, error), parse func(*cosem.Reply) error) error {
	req, err := build()
	if err != nil {
		return base.Classify(class, op, target, err)
	}
	if req == nil || len(req.Frames) == 0 {
		return nil
	}
	replied, err := s.exchange(ctx, op, target, class, req)
	if err != nil {
		return err
	}
	if !replied {
		return nil
	}
	return base.Classify(class, op, target, parse(&s.reply))
}

// exchange sends the frames of req one by one, each followed by a complete receive.
func (s *session) exchange(ctx context.Context, op string, target string, class error, req *cosem.Request) (bool, error) {
	replied := true
	for i, f := range req.Frames {
		if err := ctx.Err(); err != nil {
			if i > 0 {
				s.setstate(StateFaulted)
			}
			return false, base.NewError(base.ErrTimeout, op, target, err)
		}
		s.reply.Reset()
		if err := s.stream.Write(f); err != nil {
			return false, s.transportfail(op, target, err)
		}
		var err error
		replied, err = s.receive(ctx, op, target, class, req.NoReply && i == len(req.Frames)-1)
		if err != nil {
			// the meter may still answer, that late reply would pass for the next one
			if errors.Is(err, base.ErrTimeout) {
				s.setstate(StateFaulted)
			}
			return false, err
		}
	}
	return replied, nil
}

// receive feeds chunks into the codec until it reports the exchange complete.
// Up to ReceiveCount consecutive wait time expirations are tolerated.
func (s *session) receive(ctx context.Context, op string, target string, class error, noreply bool) (bool, error) {
	expired := 0
	for {
		s.stream.SetDeadline(s.deadline(ctx))
		n, err := s.stream.Read(s.buf)
		if err == nil && n == 0 {
			err = base.ErrCommunicationTimeout
		}
		if err != nil {
			if !errors.Is(err, base.ErrCommunicationTimeout) {
				return false, s.transportfail(op, target, err)
			}
			if noreply && s.reply.Frames == 0 && len(s.reply.Pending) == 0 {
				s.dlogf("%s: no reply, taken as acknowledged", op)
				return false, nil
			}
			if s.expired(ctx) {
				return false, base.NewError(base.ErrTimeout, op, target, context.DeadlineExceeded)
			}
			expired++
			if expired >= s.cfg.ReceiveCount {
				return false, base.NewError(base.ErrTimeout, op, target, fmt.Errorf("nothing received within %v, %d times", s.cfg.WaitTime, expired))
			}
			continue
		}
		expired = 0

		if err := s.codec.GetData(s.buf[:n], &s.reply); err != nil {
			return false, base.Classify(class, op, target, err)
		}
		for s.reply.More == cosem.MoreDataBlock {
			rr, err := s.codec.ReceiverReady(&s.reply)
			if err != nil {
				return false, base.Classify(class, op, target, err)
			}
			if err := s.stream.Write(rr); err != nil {
				return false, s.transportfail(op, target, err)
			}
			if err := s.codec.GetData(nil, &s.reply); err != nil {
				return false, base.Classify(class, op, target, err)
			}
		}
		if s.reply.More == cosem.MoreDataNone {
			return true, nil
		}
	}
}

// deadline of one receive attempt, the earlier of wait time and the operation deadline
func (s *session) deadline(ctx context.Context) time.Time {
	d := s.now().Add(s.cfg.WaitTime)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (s *session) expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	cd, ok := ctx.Deadline()
	return ok && !s.now().Before(cd)
}

func (s *session) transportfail(op string, target string, err error) error {
	s.setstate(StateFaulted)
	return base.Classify(base.ErrTransport, op, target, err)
}
