package nodehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func snapshot(t *testing.T, raw ...mapping.RawProfile) *mapping.Snapshot {
	t.Helper()
	s := mapping.Build(raw, nil)
	require.False(t, s.Defaulted)
	return s
}

var (
	energy  = mapping.RawProfile{Obis: "1.0.1.8.0.255", NodeID: "ns=2;s=ActiveEnergy", ValueType: "double"}
	voltage = mapping.RawProfile{Obis: "1.0.32.7.0.255", NodeID: "ns=2;s=Voltage", ValueType: "float", InitialValue: 230}
)

// recordingWriter resolves every write with outcome and remembers what it got.
type recordingWriter struct {
	mu      sync.Mutex
	outcome Outcome
	writes  []write
}

type write struct {
	node  string
	value any
}

func (w *recordingWriter) HandleWrite(node string, value any) Pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{node, value})
	return Resolved("w-1", w.outcome)
}

func (w *recordingWriter) got() []write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]write(nil), w.writes...)
}

func TestRebuildInitialisesNodes(t *testing.T) {
	a := NewAddressSpace(DefaultNamespaceURI)
	a.Rebuild(snapshot(t, energy, voltage))

	nodes := a.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "ns=2;s=ActiveEnergy", nodes[0].ID)
	assert.Equal(t, float64(0), nodes[0].Value)
	assert.Equal(t, ua.StatusUncertainInitialValue, nodes[0].Status)
	assert.Equal(t, "ns=2;s=Voltage", nodes[1].ID)
	assert.Equal(t, float32(230), nodes[1].Value)
	assert.Equal(t, mapping.ValueTypeFloat, nodes[1].Type)
}

func TestPublishAndRebuildKeepsValues(t *testing.T) {
	a := NewAddressSpace(DefaultNamespaceURI)
	a.Rebuild(snapshot(t, energy, voltage))

	var seen []Node
	a.OnUpdate(func(n Node) { seen = append(seen, n) })

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a.Publish("ns=2;s=ActiveEnergy", 123.45, ts)
	require.Len(t, seen, 1)
	assert.Equal(t, 123.45, seen[0].Value)
	assert.Equal(t, ua.StatusOK, seen[0].Status)

	a.Rebuild(snapshot(t, energy, mapping.RawProfile{Obis: "1.0.52.7.0.255", NodeID: "ns=2;s=VoltageL2", ValueType: "float"}))
	n, ok := a.Node("ns=2;s=ActiveEnergy")
	require.True(t, ok)
	assert.Equal(t, 123.45, n.Value)
	assert.Equal(t, ts, n.Timestamp)
	assert.Equal(t, ua.StatusOK, n.Status)

	_, ok = a.Node("ns=2;s=Voltage")
	assert.False(t, ok)
	n, ok = a.Node("ns=2;s=VoltageL2")
	require.True(t, ok)
	assert.Equal(t, ua.StatusUncertainInitialValue, n.Status)
}

func TestPublishUnknownNodeCreatesIt(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := NewAddressSpace(DefaultNamespaceURI)
	a.SetLogger(zap.New(core).Sugar())

	a.Publish("ns=2;s=Surprise", 1.5, time.Now())
	n, ok := a.Node("ns=2;s=Surprise")
	require.True(t, ok)
	assert.Equal(t, 1.5, n.Value)
	assert.Equal(t, mapping.ValueTypeDouble, n.Type)
	assert.Equal(t, 1, logs.FilterMessageSnippet("creating").Len())
}

func newTestHandler(t *testing.T, w Writer) (http.Handler, *AddressSpace) {
	t.Helper()
	a := NewAddressSpace(DefaultNamespaceURI)
	a.Rebuild(snapshot(t, energy, voltage))
	return NewHTTPHandler(a, w, func() any { return map[string]string{"state": "running"} }, nil), a
}

func TestHTTPGetNodes(t *testing.T) {
	h, a := newTestHandler(t, nil)
	a.Publish("ns=2;s=ActiveEnergy", 123.45, time.Now())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []nodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/ns=2;s=ActiveEnergy", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var n nodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, 123.45, n.Value)
	assert.Equal(t, "double", n.Type)
	assert.Equal(t, "1.0.1.8.0.255", n.Obis)
	assert.Equal(t, "Good", n.StatusText)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/ns=2;s=Unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPPutNode(t *testing.T) {
	tests := []struct {
		status ua.StatusCode
		code   int
	}{
		{ua.StatusOK, http.StatusOK},
		{ua.StatusBadNodeIDUnknown, http.StatusNotFound},
		{ua.StatusBadTimeout, http.StatusGatewayTimeout},
		{ua.StatusBadCommunicationError, http.StatusBadGateway},
		{ua.StatusBadTypeMismatch, http.StatusBadRequest},
		{ua.StatusBadShutdown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(statusText(tt.status), func(t *testing.T) {
			w := &recordingWriter{outcome: Outcome{Status: tt.status}}
			h, _ := newTestHandler(t, w)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/nodes/ns=2;s=Voltage", strings.NewReader(`{"value": 231.5}`))
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)

			var res writeResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, "w-1", res.ID)
			assert.Equal(t, uint32(tt.status), res.Status)
			assert.Equal(t, "ns=2;s=Voltage", res.Node)

			got := w.got()
			require.Len(t, got, 1)
			assert.Equal(t, "ns=2;s=Voltage", got[0].node)
			assert.Equal(t, json.Number("231.5"), got[0].value)
		})
	}
}

func TestHTTPPutRejectsBadBody(t *testing.T) {
	w := &recordingWriter{}
	h, _ := newTestHandler(t, w)
	for _, body := range []string{`not json`, `{}`, `{"value": null}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/nodes/ns=2;s=Voltage", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, w.got())
}

func TestHTTPStatus(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, DefaultNamespaceURI, st["namespace"])
	assert.Equal(t, float64(2), st["nodes"])
	assert.Equal(t, map[string]any{"state": "running"}, st["engine"])
}

func TestOutcomeWaitOnResolved(t *testing.T) {
	p := Resolved("x", Outcome{Status: ua.StatusBadTimeout})
	o := p.Wait(context.Background())
	assert.False(t, o.Good())
	assert.NotEmpty(t, o.Error())
}
