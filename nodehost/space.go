// Package nodehost exposes the mapped nodes to supervisory clients and hands
// their writes to a Writer.
package nodehost

import (
	"sort"
	"sync"
	"time"

	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// Node is a copy of one variable of the address space.
type Node struct {
	ID        string
	Name      string
	Obis      string // empty for nodes created by a publish
	Type      mapping.ValueType
	Value     any
	Timestamp time.Time
	Status    ua.StatusCode
}

// AddressSpace is the in-memory set of variables, safe for concurrent use.
type AddressSpace struct {
	mu        sync.RWMutex
	namespace string
	nodes     map[string]*Node
	listeners []func(Node)
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewAddressSpace(namespace string) *AddressSpace {
	return &AddressSpace{
		namespace: namespace,
		nodes:     make(map[string]*Node),
		now:       time.Now,
	}
}

func (a *AddressSpace) SetLogger(logger *zap.SugaredLogger) {
	a.logger = logger
}

func (a *AddressSpace) Namespace() string {
	return a.namespace
}

// OnUpdate registers fn to be called after every publish, outside the lock.
func (a *AddressSpace) OnUpdate(fn func(Node)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Rebuild replaces the variables by the profiles of s. Nodes whose id
// survives keep value, timestamp and status.
func (a *AddressSpace) Rebuild(s *mapping.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := make(map[string]*Node, s.Len())
	kept := 0
	for _, p := range s.Profiles() {
		n := &Node{ID: p.NodeID, Name: p.Name, Obis: p.Obis(), Type: p.ValueType}
		if old, ok := a.nodes[p.NodeID]; ok && old.Type == p.ValueType {
			n.Value, n.Timestamp, n.Status = old.Value, old.Timestamp, old.Status
			kept++
		} else {
			n.Value, n.Timestamp, n.Status = p.InitialValue, a.now(), ua.StatusUncertainInitialValue
		}
		nodes[n.ID] = n
	}
	a.nodes = nodes
	if a.logger != nil {
		a.logger.Infow("address space rebuilt", "namespace", a.namespace, "nodes", len(nodes), "kept", kept, "version", s.Version)
	}
}

// Publish stores a device reading. An unknown node is created.
func (a *AddressSpace) Publish(id string, value any, ts time.Time) {
	a.mu.Lock()
	n, ok := a.nodes[id]
	if !ok {
		if a.logger != nil {
			a.logger.Warnw("node not found, creating it", "node", id)
		}
		n = &Node{ID: id, Name: id, Type: typeof(value)}
		a.nodes[id] = n
	}
	n.Value, n.Timestamp, n.Status = value, ts, ua.StatusOK
	cp := *n
	listeners := a.listeners
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(cp)
	}
}

func typeof(v any) mapping.ValueType {
	variant, err := ua.NewVariant(v)
	if err != nil {
		return mapping.ValueTypeNone
	}
	return mapping.ValueTypeFor(variant.Type())
}

func (a *AddressSpace) Node(id string) (Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns all variables ordered by id.
func (a *AddressSpace) Nodes() []Node {
	a.mu.RLock()
	out := make([]Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, *n)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
