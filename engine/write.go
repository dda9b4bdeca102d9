package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/nodehost"
	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
)

var errShutdown = errors.New("engine stopped")

var _ nodehost.Writer = (*Engine)(nil)

// PendingWrite is one client write on its way to the meter. It resolves exactly once.
type PendingWrite struct {
	id       uuid.UUID
	NodeID   string
	Value    any
	Deadline time.Time

	once    sync.Once
	done    chan struct{}
	outcome nodehost.Outcome
}

func newPendingWrite(node string, value any, deadline time.Time) *PendingWrite {
	return &PendingWrite{
		id:       uuid.New(),
		NodeID:   node,
		Value:    value,
		Deadline: deadline,
		done:     make(chan struct{}),
	}
}

func (p *PendingWrite) ID() string {
	return p.id.String()
}

// Done is closed once the outcome is known.
func (p *PendingWrite) Done() <-chan struct{} {
	return p.done
}

// Outcome is valid after Done was closed.
func (p *PendingWrite) Outcome() nodehost.Outcome {
	<-p.done
	return p.outcome
}

// Wait returns the outcome, or BadTimeout when ctx ends first. The write
// itself keeps going until its own deadline.
func (p *PendingWrite) Wait(ctx context.Context) nodehost.Outcome {
	select {
	case <-p.done:
		return p.outcome
	case <-ctx.Done():
		return nodehost.Outcome{Status: ua.StatusBadTimeout, Err: ctx.Err()}
	}
}

func (p *PendingWrite) resolve(o nodehost.Outcome) {
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
	})
}

func outcomeOf(err error) nodehost.Outcome {
	switch {
	case err == nil:
		return nodehost.Outcome{Status: ua.StatusOK}
	case errors.Is(err, errShutdown):
		return nodehost.Outcome{Status: ua.StatusBadShutdown, Err: err}
	case errors.Is(err, base.ErrMapping):
		return nodehost.Outcome{Status: ua.StatusBadNodeIDUnknown, Err: err}
	case errors.Is(err, base.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nodehost.Outcome{Status: ua.StatusBadTimeout, Err: err}
	}
	return nodehost.Outcome{Status: ua.StatusBadCommunicationError, Err: err}
}

// HandleWrite resolves node through the current snapshot and writes value to
// the meter in the background. Unmapped nodes and values that do not convert
// to the node type resolve at once without touching the device.
func (e *Engine) HandleWrite(node string, value any) nodehost.Pending {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := newPendingWrite(node, value, e.now().Add(e.cfg.WriteTimeout))
	if e.State() != StateRunning {
		p.resolve(outcomeOf(errShutdown))
		return p
	}
	prof, ok := e.registry.Current().ByNode(node)
	if !ok {
		p.resolve(outcomeOf(base.NewError(base.ErrMapping, "write", node, fmt.Errorf("node is not mapped"))))
		e.warnw("write rejected", "node", node, "write", p.ID(), "error", "node is not mapped")
		return p
	}
	v, err := mapping.Coerce(value, prof.ValueType)
	if err != nil {
		p.resolve(nodehost.Outcome{Status: ua.StatusBadTypeMismatch, Err: err})
		e.warnw("write rejected", "node", node, "write", p.ID(), "type", prof.ValueType, "error", err)
		return p
	}
	p.Value = v
	e.status.Writes++

	e.writes.Add(1)
	go func(ctx context.Context, stopc <-chan struct{}) {
		defer e.writes.Done()
		err := e.write(ctx, stopc, p, &prof)
		p.resolve(outcomeOf(err))
		if err != nil {
			e.warnw("write failed", "obis", prof.Obis(), "node", prof.NodeID, "op", "write", "write", p.ID(), "error", err)
			return
		}
		e.logf("write %s: %v = %v", p.ID(), prof.NodeID, p.Value)
	}(e.ctx, e.stopc)
	return p
}

func (e *Engine) write(parent context.Context, stopc <-chan struct{}, p *PendingWrite, prof *mapping.Profile) error {
	ctx, cancel := context.WithDeadline(parent, p.Deadline)
	defer cancel()
	// the client hears about the deadline when it passes, not after the session closed
	stop := context.AfterFunc(ctx, func() {
		p.resolve(outcomeOf(base.NewError(base.ErrTimeout, "write", prof.Obis(), ctx.Err())))
	})
	defer stop()

	if err := e.acquire(ctx, stopc); err != nil {
		return err
	}
	defer e.releaseDevice()

	dev, _ := e.settings()
	s, err := e.dial(ctx, dev)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			e.warnw("closing session failed", "error", cerr)
		}
	}()
	if err := s.EstablishAssociation(ctx); err != nil {
		return err
	}
	err = s.Write(ctx, prof.Object, p.Value)
	if err == nil {
		e.host.Publish(prof.NodeID, p.Value, e.now())
	}
	p.resolve(outcomeOf(err))
	if err != nil {
		return err
	}
	s.Release(ctx)
	return nil
}
