package base

import (
	"time"

	"go.uber.org/zap"
)

// Stream is a byte pipe to the meter, tcp socket or serial line.
type Stream interface {
	Open() error
	Disconnect() error // hard end of connection without solving any unassociation or so
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
	SetTimeout(t time.Duration)  // bound of a single read or write call
	SetDeadline(t time.Time)     // zero time means no deadline, earlier of deadline and timeout wins
	SetMaxReceivedBytes(m int64) // every call resets current counter, exceeding bytes count means comm error, only incomming bytes are counted
	Read(p []byte) (n int, err error)
	Write(src []byte) error // always write everything
	GetRxTxBytes() (int64, int64)
}
