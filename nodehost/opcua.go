package nodehost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

const (
	DefaultUAHost = "localhost"
	DefaultUAPort = 4840

	// bound of a client write, the engine resolves its writes well before
	uaWriteWait = time.Minute
)

type UAConfig struct {
	Host string
	Port int // 0 disables the opc ua surface
}

var accessLevel = byte(ua.AccessLevelTypeCurrentRead | ua.AccessLevelTypeCurrentWrite)

// UAServer serves the address space as opc ua variables of the gateway
// namespace. Configured node ids keep their identifier, the namespace index
// is the one the server assigned to the gateway namespace.
type UAServer struct {
	cfg    UAConfig
	space  *AddressSpace
	writer Writer
	logger *zap.SugaredLogger

	mu    sync.Mutex
	srv   *server.Server
	ns    *gatewayNamespace
	nodes map[string]*server.Node // address space id
	ids   map[string]string       // served id -> address space id
}

// gatewayNamespace hands value writes of mirrored variables to the writer,
// everything else is the plain node namespace.
type gatewayNamespace struct {
	*server.NodeNameSpace
	uri string
	u   *UAServer
}

func (ns *gatewayNamespace) Name() string {
	return ns.uri
}

func (ns *gatewayNamespace) SetAttribute(nid *ua.NodeID, attr ua.AttributeID, val *ua.DataValue) ua.StatusCode {
	if sc, ok := ns.u.write(nid, attr, val); ok {
		return sc
	}
	return ns.NodeNameSpace.SetAttribute(nid, attr, val)
}

func NewUAServer(cfg UAConfig, space *AddressSpace, writer Writer, logger *zap.SugaredLogger) *UAServer {
	if cfg.Host == "" {
		cfg.Host = DefaultUAHost
	}
	u := &UAServer{
		cfg:    cfg,
		space:  space,
		writer: writer,
		logger: logger,
		nodes:  make(map[string]*server.Node),
		ids:    make(map[string]string),
	}
	space.OnUpdate(u.update)
	return u
}

func (u *UAServer) logf(format string, v ...any) {
	if u.logger != nil {
		u.logger.Infof(format, v...)
	}
}

func (u *UAServer) warn(msg string, kv ...any) {
	if u.logger != nil {
		u.logger.Warnw(msg, kv...)
	}
}

func (u *UAServer) Endpoint() string {
	return fmt.Sprintf("opc.tcp://%s:%d", u.cfg.Host, u.cfg.Port)
}

func (u *UAServer) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.srv != nil {
		return nil
	}

	srv := server.New(
		server.EndPoint(u.cfg.Host, u.cfg.Port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)
	// the node namespace registers itself, the gateway namespace wrapping it
	// is registered next under the configured uri
	inner := server.NewNodeNameSpace(srv, u.space.Namespace()+"/nodes")
	ns := &gatewayNamespace{NodeNameSpace: inner, uri: u.space.Namespace(), u: u}
	ns.SetID(uint16(srv.AddNamespace(ns)))

	root, err := srv.Namespace(0)
	if err != nil {
		return fmt.Errorf("opc ua root namespace: %w", err)
	}
	root.Objects().AddRef(ns.Objects(), id.HasComponent, true)

	u.ns = ns
	u.nodes = make(map[string]*server.Node)
	u.ids = make(map[string]string)
	for _, n := range u.space.Nodes() {
		u.add(n)
	}

	if err := srv.Start(ctx); err != nil {
		u.ns = nil
		return fmt.Errorf("opc ua listen %s: %w", u.Endpoint(), err)
	}
	u.srv = srv
	u.logf("opc ua surface listening on %s, namespace %s at index %d", u.Endpoint(), ns.uri, ns.ID())
	return nil
}

func (u *UAServer) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.srv == nil {
		return nil
	}
	err := u.srv.Close()
	u.srv, u.ns = nil, nil
	return err
}

// Sync adds variables for address space nodes not served yet. Nodes that
// left the address space stay but read as BadNodeIdUnknown.
func (u *UAServer) Sync() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ns == nil {
		return
	}
	for _, n := range u.space.Nodes() {
		if _, ok := u.nodes[n.ID]; !ok {
			u.add(n)
		}
	}
}

func (u *UAServer) update(n Node) {
	u.mu.Lock()
	if u.ns == nil {
		u.mu.Unlock()
		return
	}
	v, ok := u.nodes[n.ID]
	if !ok {
		v = u.add(n)
	}
	ns := u.ns
	u.mu.Unlock()
	if v != nil {
		ns.ChangeNotification(v.ID())
	}
}

// add creates the variable of n, u.mu is held.
func (u *UAServer) add(n Node) *server.Node {
	nid, err := servedID(u.ns.ID(), n.ID)
	if err != nil {
		u.warn("node not served over opc ua", "node", n.ID, "error", err)
		return nil
	}
	space := n.ID
	attrs := server.Attributes{
		ua.AttributeIDNodeClass:       server.DataValueFromValue(uint32(ua.NodeClassVariable)),
		ua.AttributeIDBrowseName:      server.DataValueFromValue(&ua.QualifiedName{NamespaceIndex: nid.Namespace(), Name: n.Name}),
		ua.AttributeIDDisplayName:     server.DataValueFromValue(&ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: n.Name}),
		ua.AttributeIDDataType:        server.DataValueFromValue(ua.NewNumericNodeID(0, uint32(n.Type.TypeID()))),
		ua.AttributeIDValueRank:       server.DataValueFromValue(int32(-1)),
		ua.AttributeIDAccessLevel:     server.DataValueFromValue(accessLevel),
		ua.AttributeIDUserAccessLevel: server.DataValueFromValue(accessLevel),
	}
	v := server.NewNode(nid, attrs, nil, func() *ua.DataValue { return u.value(space) })
	u.ns.AddNode(v)
	u.ns.Objects().AddRef(v, id.HasComponent, true)
	u.nodes[space] = v
	u.ids[nid.String()] = space
	return v
}

func (u *UAServer) value(space string) *ua.DataValue {
	n, ok := u.space.Node(space)
	if !ok {
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadNodeIDUnknown}
	}
	return dataValue(n, time.Now())
}

// write forwards a value write of a mirrored variable, ok is false for
// anything the plain namespace handles.
func (u *UAServer) write(nid *ua.NodeID, attr ua.AttributeID, val *ua.DataValue) (ua.StatusCode, bool) {
	if attr != ua.AttributeIDValue || nid == nil {
		return ua.StatusOK, false
	}
	u.mu.Lock()
	space, ok := u.ids[nid.String()]
	u.mu.Unlock()
	if !ok {
		return ua.StatusOK, false
	}
	if val == nil || val.Value == nil {
		return ua.StatusBadTypeMismatch, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), uaWriteWait)
	defer cancel()
	p := u.writer.HandleWrite(space, val.Value.Value())
	o := p.Wait(ctx)
	if !o.Good() {
		u.warn("opc ua write failed", "node", space, "write", p.ID(), "status", statusText(o.Status), "error", o.Error())
	}
	return o.Status, true
}

// servedID keeps the identifier of a configured node id under namespace ns.
func servedID(ns uint16, nodeid string) (*ua.NodeID, error) {
	nid, err := ua.ParseNodeID(nodeid)
	if err != nil {
		return nil, err
	}
	switch nid.Type() {
	case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
		return ua.NewNumericNodeID(ns, nid.IntID()), nil
	case ua.NodeIDTypeString:
		return ua.NewStringNodeID(ns, nid.StringID()), nil
	case ua.NodeIDTypeGUID:
		return ua.NewGUIDNodeID(ns, nid.StringID()), nil
	}
	return nil, fmt.Errorf("%s: unsupported identifier type", nodeid)
}

func dataValue(n Node, now time.Time) *ua.DataValue {
	dv := &ua.DataValue{
		EncodingMask:    ua.DataValueServerTimestamp,
		ServerTimestamp: now,
	}
	if v, err := ua.NewVariant(n.Value); err == nil && n.Value != nil {
		dv.EncodingMask |= ua.DataValueValue
		dv.Value = v
	}
	if !n.Timestamp.IsZero() {
		dv.EncodingMask |= ua.DataValueSourceTimestamp
		dv.SourceTimestamp = n.Timestamp
	}
	if n.Status != ua.StatusOK {
		dv.EncodingMask |= ua.DataValueStatusCode
		dv.Status = n.Status
	}
	return dv
}
