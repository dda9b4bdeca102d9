// Package engine keeps the address space in step with the meter: it polls
// every mapped attribute and routes client writes back to the device.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultCooldown     = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

type Config struct {
	PollInterval time.Duration // between successful iterations
	Cooldown     time.Duration // after a failed iteration
	WriteTimeout time.Duration // overall bound of one client write
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		Cooldown:     DefaultCooldown,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dialer opens a device session for cfg.
type Dialer func(ctx context.Context, cfg session.Config) (session.Session, error)

// SessionDialer opens real sessions, opts are passed to every session.Open.
func SessionDialer(opts ...session.Option) Dialer {
	return func(ctx context.Context, cfg session.Config) (session.Session, error) {
		return session.Open(ctx, cfg, opts...)
	}
}

// Host is the node host as far as the engine drives it.
type Host interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Rebuild(s *mapping.Snapshot)
	Publish(node string, value any, ts time.Time)
}

// Status is the outcome of the engine so far, the http surface serves it as is.
type Status struct {
	State       string    `json:"state"`
	Iterations  uint64    `json:"iterations"`
	LastStart   time.Time `json:"last_start,omitempty"`
	ReadsOK     int       `json:"reads_ok"`
	ReadsFailed int       `json:"reads_failed"`
	LastError   string    `json:"last_error,omitempty"`
	Writes      uint64    `json:"writes"`
}

type Engine struct {
	registry *mapping.Registry
	host     Host
	dial     Dialer
	logger   *zap.SugaredLogger
	now      func() time.Time

	// device admits one poll iteration or write at a time
	device chan struct{}

	mu     sync.Mutex
	dev    session.Config
	cfg    Config
	status Status
	stopc  chan struct{}
	done   chan struct{}
	unsub  func()
	writes sync.WaitGroup
	ctx    context.Context

	state atomic.Int32
}

type Option func(*Engine)

// WithDialer replaces session.Open, tests hand in fake sessions this way.
func WithDialer(d Dialer) Option {
	return func(e *Engine) {
		e.dial = d
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(dev session.Config, cfg Config, registry *mapping.Registry, host Host, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		host:     host,
		now:      time.Now,
		device:   make(chan struct{}, 1),
		dev:      dev,
		cfg:      cfg.withDefaults(),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.dial == nil {
		e.dial = SessionDialer(session.WithLogger(e.logger))
	}
	return e
}

func (e *Engine) logf(format string, v ...any) {
	if e.logger != nil {
		e.logger.Infof(format, v...)
	}
}

func (e *Engine) dlogf(format string, v ...any) {
	if e.logger != nil {
		e.logger.Debugf(format, v...)
	}
}

func (e *Engine) warnw(msg string, kv ...any) {
	if e.logger != nil {
		e.logger.Warnw(msg, kv...)
	}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setstate(s State) {
	e.state.Store(int32(s))
	e.dlogf("engine %v", s)
}

// SetDeviceConfig takes effect with the next iteration or write.
func (e *Engine) SetDeviceConfig(dev session.Config) {
	e.mu.Lock()
	e.dev = dev
	e.mu.Unlock()
}

// SetConfig takes effect with the next wait or write.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) settings() (session.Config, Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev, e.cfg
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.State = e.State().String()
	return st
}

// Start brings up the node host and the poll loop. The first iteration runs at once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("engine is %v", e.State())
	}

	e.host.Rebuild(e.registry.Current())
	if err := e.host.Start(ctx); err != nil {
		e.setstate(StateStopped)
		return fmt.Errorf("starting node host: %w", err)
	}

	snapshots, unsub := e.registry.Subscribe()
	go func() {
		for s := range snapshots {
			e.host.Rebuild(s)
		}
	}()
	e.unsub = unsub
	e.ctx = context.WithoutCancel(ctx)
	e.stopc = make(chan struct{})
	e.done = make(chan struct{})
	e.setstate(StateRunning)
	go e.run(e.ctx, e.stopc, e.done)
	e.logf("engine running")
	return nil
}

// Stop starts no new iteration, lets the one in flight end at its next read and
// waits for writes on the device. Writes still waiting for the device resolve
// with BadShutdown. The node host is stopped last.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.State() != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.setstate(StateStopping)
	close(e.stopc)
	done, unsub := e.done, e.unsub
	e.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for poll iteration: %w", ctx.Err())
	}
	writes := make(chan struct{})
	go func() {
		e.writes.Wait()
		close(writes)
	}()
	select {
	case <-writes:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("waiting for writes: %w", ctx.Err())
		}
	}
	unsub()

	if herr := e.host.Stop(ctx); herr != nil {
		err = multierr.Append(err, fmt.Errorf("stopping node host: %w", herr))
	}
	e.setstate(StateStopped)
	e.logf("engine stopped")
	return err
}

func (e *Engine) stopping(stopc <-chan struct{}) bool {
	select {
	case <-stopc:
		return true
	default:
		return false
	}
}

func (e *Engine) run(ctx context.Context, stopc <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stopc:
			return
		case <-timer.C:
		}
		_, cfg := e.settings()
		wait := cfg.PollInterval
		if _, err := e.poll(ctx, stopc); err != nil {
			wait = cfg.Cooldown
			e.warnw("poll iteration failed", "error", err, "cooldown", wait)
		}
		timer.Reset(wait)
	}
}

// PollOnce runs one iteration outside the loop, as the -once flag of the binary does.
func (e *Engine) PollOnce(ctx context.Context) ([]cosem.Reading, error) {
	return e.poll(ctx, nil)
}

func (e *Engine) acquire(ctx context.Context, stopc <-chan struct{}) error {
	select {
	case e.device <- struct{}{}:
		return nil
	case <-ctx.Done():
		return base.NewError(base.ErrTimeout, "open", "", ctx.Err())
	case <-stopc:
		return errShutdown
	}
}

func (e *Engine) releaseDevice() {
	<-e.device
}

// poll reads every profile of one snapshot. Only a failure to reach or
// associate with the meter fails the iteration, single reads are logged and skipped.
func (e *Engine) poll(ctx context.Context, stopc <-chan struct{}) (readings []cosem.Reading, err error) {
	snap := e.registry.Current()
	started := e.now()
	ok, failed := 0, 0
	defer func() {
		e.record(started, ok, failed, err)
	}()

	if err = e.acquire(ctx, stopc); err != nil {
		return nil, err
	}
	defer e.releaseDevice()

	dev, _ := e.settings()
	s, err := e.dial(ctx, dev)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			e.warnw("closing session failed", "error", cerr)
		}
	}()
	if err = s.EstablishAssociation(ctx); err != nil {
		return nil, err
	}

	profiles := snap.Profiles()
	readings = make([]cosem.Reading, 0, len(profiles))
	for _, p := range profiles {
		if e.stopping(stopc) {
			e.dlogf("stop requested, %d profiles left unread", len(profiles)-ok-failed)
			break
		}
		r, rerr := e.read(ctx, s, &p)
		if rerr != nil {
			failed++
			e.warnw("profile read failed", "obis", p.Obis(), "node", p.NodeID, "op", "read", "error", rerr)
			if errors.Is(rerr, base.ErrTransport) {
				err = rerr
				break
			}
			if s.State() == session.StateFaulted {
				if s, err = e.reassociate(ctx, s, dev); err != nil {
					break
				}
			}
			continue
		}
		ok++
		e.host.Publish(p.NodeID, r.Value, r.Timestamp)
		readings = append(readings, r)
	}
	s.Release(ctx)
	e.dlogf("poll iteration read %d of %d profiles in %v", ok, len(profiles), e.now().Sub(started))
	return readings, err
}

// reassociate replaces a session that timed out with a fresh association, the
// old one may still receive the late answer.
func (e *Engine) reassociate(ctx context.Context, old session.Session, dev session.Config) (session.Session, error) {
	if err := old.Close(); err != nil {
		e.warnw("closing session failed", "error", err)
	}
	e.dlogf("session faulted, associating again")
	s, err := e.dial(ctx, dev)
	if err != nil {
		return old, err
	}
	return s, s.EstablishAssociation(ctx)
}

func (e *Engine) read(ctx context.Context, s session.Session, p *mapping.Profile) (cosem.Reading, error) {
	r, err := s.Read(ctx, p.Object)
	if err != nil {
		return r, err
	}
	v, err := mapping.Coerce(r.Value, p.ValueType)
	if err != nil {
		return r, base.NewError(base.ErrProtocol, "read", p.Obis(), err)
	}
	r.Value = v
	r.Name = p.Name
	if r.Obis == "" {
		r.Obis = p.Obis()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	return r, nil
}

func (e *Engine) record(started time.Time, ok int, failed int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Iterations++
	e.status.LastStart = started
	e.status.ReadsOK = ok
	e.status.ReadsFailed = failed
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
}
