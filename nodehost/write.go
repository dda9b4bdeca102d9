package nodehost

import (
	"context"
	"net/http"

	"github.com/gopcua/opcua/ua"
)

// Outcome is the terminal status of one client write.
type Outcome struct {
	Status ua.StatusCode
	Err    error
}

func (o Outcome) Good() bool {
	return o.Status == ua.StatusOK
}

func (o Outcome) Error() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Good() {
		return ""
	}
	return o.Status.Error()
}

// Pending is a write accepted for processing. Wait blocks until the write
// resolved or ctx ended, the latter reports BadTimeout.
type Pending interface {
	ID() string
	Wait(ctx context.Context) Outcome
}

// Writer receives client writes of node values.
type Writer interface {
	HandleWrite(node string, value any) Pending
}

type resolved struct {
	id string
	o  Outcome
}

func (r resolved) ID() string { return r.id }
func (r resolved) Wait(context.Context) Outcome { return r.o }

// Resolved wraps an outcome known at once into a Pending.
func Resolved(id string, o Outcome) Pending {
	return resolved{id: id, o: o}
}

// HTTPStatus maps a write status onto the closest HTTP answer.
func HTTPStatus(sc ua.StatusCode) int {
	switch sc {
	case ua.StatusOK:
		return http.StatusOK
	case ua.StatusBadNodeIDUnknown:
		return http.StatusNotFound
	case ua.StatusBadTimeout:
		return http.StatusGatewayTimeout
	case ua.StatusBadTypeMismatch:
		return http.StatusBadRequest
	case ua.StatusBadShutdown:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
