// Package mapping binds obis codes of the meter to node ids of the address
// space and republishes the bindings when the configuration changes.
package mapping

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry holds the current snapshot. Readers never lock, a load swaps the
// snapshot and notifies subscribers.
type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	version uint64
	subs    map[chan *Snapshot]struct{}
}

// New returns a registry holding the default profiles until the first Load.
func New(logger *zap.SugaredLogger) *Registry {
	r := &Registry{
		logger: logger,
		subs:   make(map[chan *Snapshot]struct{}),
	}
	s := Build(nil, nil)
	r.current.Store(s)
	return r
}

func (r *Registry) SetLogger(logger *zap.SugaredLogger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Load builds a snapshot from raw, publishes it and returns it.
func (r *Registry) Load(raw []RawProfile) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Build(raw, r.logger)
	r.version++
	s.Version = r.version
	r.current.Store(s)
	if r.logger != nil {
		r.logger.Infow("mapping loaded", "version", s.Version, "profiles", s.Len(), "defaulted", s.Defaulted)
	}
	for ch := range r.subs {
		offer(ch, s)
	}
	return s
}

// offer replaces whatever the subscriber did not consume yet with s.
func offer(ch chan *Snapshot, s *Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

func (r *Registry) NodeForObis(obis string) (string, bool) {
	return r.Current().NodeForObis(obis)
}

func (r *Registry) ObisForNode(node string) (string, bool) {
	return r.Current().ObisForNode(node)
}

// Subscribe delivers every later snapshot, a slow subscriber only sees the
// newest one. cancel closes the channel.
func (r *Registry) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			close(ch)
			r.mu.Unlock()
		})
	}
}
