package cosem

import "time"

type MoreData byte

const (
	MoreDataNone  MoreData = iota // exchange complete
	MoreDataFrame                 // partial frame buffered, keep receiving
	MoreDataBlock                 // peer holds more, send receiver ready
)

func (m MoreData) String() string {
	switch m {
	case MoreDataNone:
		return "none"
	case MoreDataFrame:
		return "frame"
	case MoreDataBlock:
		return "block"
	}
	return "unknown"
}

// Request is what a codec wants sent for one logical operation.
type Request struct {
	Frames [][]byte
	// NoReply marks an exchange the meter may acknowledge with silence
	NoReply bool
}

// Reply accumulates received bytes of one exchange across chunks.
type Reply struct {
	Pending []byte // received bytes not forming a complete frame yet
	Data    []byte // reassembled link payload
	More    MoreData
	Value   any // decoded result once More is MoreDataNone
	Frames  int // complete frames seen
}

func (r *Reply) Reset() {
	r.Pending = r.Pending[:0]
	r.Data = r.Data[:0]
	r.More = MoreDataNone
	r.Value = nil
	r.Frames = 0
}

// Reading is one attribute value read from the meter.
type Reading struct {
	Obis      string
	Name      string
	Value     any
	Timestamp time.Time
}
