package nodehost

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/gopcua/opcua/ua"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxWriteBody = 1 << 16

type nodeView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Obis       string    `json:"obis,omitempty"`
	Type       string    `json:"type"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Status     uint32    `json:"status"`
	StatusText string    `json:"status_text"`
}

func view(n Node) nodeView {
	return nodeView{
		ID:         n.ID,
		Name:       n.Name,
		Obis:       n.Obis,
		Type:       n.Type.String(),
		Value:      n.Value,
		Timestamp:  n.Timestamp,
		Status:     uint32(n.Status),
		StatusText: statusText(n.Status),
	}
}

func statusText(sc ua.StatusCode) string {
	if sc == ua.StatusOK {
		return "Good"
	}
	return sc.Error()
}

type writeBody struct {
	Value any `json:"value"`
}

type writeResult struct {
	ID         string `json:"id"`
	Node       string `json:"node"`
	Status     uint32 `json:"status"`
	StatusText string `json:"status_text"`
	Error      string `json:"error,omitempty"`
}

func result(id string, node string, o Outcome) writeResult {
	r := writeResult{ID: id, Node: node, Status: uint32(o.Status), StatusText: statusText(o.Status)}
	if !o.Good() {
		r.Error = o.Error()
	}
	return r
}

type handler struct {
	space  *AddressSpace
	writer Writer
	status func() any
	logger *zap.SugaredLogger
}

// NewHTTPHandler serves the address space:
//
//	GET /nodes          all nodes
//	GET /nodes/{id}     one node
//	PUT /nodes/{id}     {"value": ...}, answers once the write resolved
//	GET /status         whatever status returns
func NewHTTPHandler(space *AddressSpace, writer Writer, status func() any, logger *zap.SugaredLogger) http.Handler {
	h := &handler{space: space, writer: writer, status: status, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/nodes", h.getNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id:.+}", h.getNode).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id:.+}", h.putNode).Methods(http.MethodPut)
	router.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	return router
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	_ = e.Encode(v)
}

func lookupid(raw string) string {
	if id, err := mapping.CanonicalNodeID(raw); err == nil {
		return id
	}
	return raw
}

func (h *handler) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.space.Nodes()
	out := make([]nodeView, len(nodes))
	for i, n := range nodes {
		out[i] = view(n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getNode(w http.ResponseWriter, r *http.Request) {
	id := lookupid(mux.Vars(r)["id"])
	n, ok := h.space.Node(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no such node %v", id)})
		return
	}
	writeJSON(w, http.StatusOK, view(n))
}

func (h *handler) putNode(w http.ResponseWriter, r *http.Request) {
	id := lookupid(mux.Vars(r)["id"])
	if h.writer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "writes are not accepted"})
		return
	}

	var body writeBody
	d := json.NewDecoder(io.LimitReader(r.Body, maxWriteBody))
	d.UseNumber()
	if err := d.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value missing"})
		return
	}

	p := h.writer.HandleWrite(id, body.Value)
	o := p.Wait(r.Context())
	if h.logger != nil {
		h.logger.Debugw("http write", "node", id, "write", p.ID(), "status", statusText(o.Status))
	}
	writeJSON(w, HTTPStatus(o.Status), result(p.ID(), id, o))
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	var st any
	if h.status != nil {
		st = h.status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": h.space.Namespace(),
		"nodes":     len(h.space.Nodes()),
		"engine":    st,
	})
}
