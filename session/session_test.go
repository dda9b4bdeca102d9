package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptStream answers every written frame with the chunks returned by respond,
// a nil chunk reads as an expired wait time.
type scriptStream struct {
	mu        sync.Mutex
	open      bool
	opened    int
	closed    int
	openErr   error
	readErr   error
	writes    []string
	queue     [][]byte
	reads     int
	deadlines []time.Time
	respond   func(frame string) [][]byte
}

func (s *scriptStream) Open() error {
	s.opened++
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	return nil
}

func (s *scriptStream) Disconnect() error {
	s.closed++
	s.open = false
	return nil
}

func (s *scriptStream) IsOpen() bool { return s.open }
func (s *scriptStream) SetLogger(*zap.SugaredLogger) {}
func (s *scriptStream) SetTimeout(time.Duration) {}
func (s *scriptStream) SetMaxReceivedBytes(int64) {}
func (s *scriptStream) GetRxTxBytes() (int64, int64) { return 0, 0 }
func (s *scriptStream) SetDeadline(t time.Time) { s.deadlines = append(s.deadlines, t) }

func (s *scriptStream) Write(src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return base.ErrNotOpened
	}
	s.writes = append(s.writes, string(src))
	if s.respond != nil {
		s.queue = append(s.queue, s.respond(string(src))...)
	}
	return nil
}

func (s *scriptStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.queue) == 0 {
		return 0, base.ErrCommunicationTimeout
	}
	ch := s.queue[0]
	s.queue = s.queue[1:]
	if ch == nil {
		return 0, base.ErrCommunicationTimeout
	}
	n := copy(p, ch)
	if n < len(ch) {
		s.queue = append([][]byte{ch[n:]}, s.queue...)
	}
	return n, nil
}

// scriptCodec speaks a text protocol: "." completes a message, "+" ends a
// block the meter continues after a receiver ready.
type scriptCodec struct {
	auth     bool
	noreply  bool // write requests
	ic       uint32
	inflight bool
	overlap  bool
}

func (c *scriptCodec) req(name string) (*cosem.Request, error) {
	c.ic++
	return &cosem.Request{Frames: [][]byte{[]byte(name)}}, nil
}

func (c *scriptCodec) ConnectRequest() (*cosem.Request, error) { return c.req("SNRM") }
func (c *scriptCodec) ParseConnectResponse(r *cosem.Reply) error {
	return c.expect(r, "UA")
}
func (c *scriptCodec) AssociationRequest() (*cosem.Request, error) { return c.req("AARQ") }
func (c *scriptCodec) ParseAssociationResponse(r *cosem.Reply) error {
	if r.Value == "REJECT" {
		return fmt.Errorf("%w: rejected permanently", base.ErrAssociation)
	}
	return c.expect(r, "AARE")
}

func (c *scriptCodec) AuthenticationRequest() (*cosem.Request, error) {
	if !c.auth {
		return nil, nil
	}
	return c.req("AUTH")
}

func (c *scriptCodec) ParseAuthenticationResponse(r *cosem.Reply) error {
	return c.expect(r, "AUTHOK")
}

func (c *scriptCodec) ReadRequest(obj cosem.Object) (*cosem.Request, error) {
	if c.inflight {
		c.overlap = true
	}
	c.inflight = true
	return c.req("GET " + obj.Obis.String())
}

func (c *scriptCodec) ParseReadResponse(_ cosem.Object, r *cosem.Reply) (any, error) {
	c.inflight = false
	return r.Value, nil
}

func (c *scriptCodec) WriteRequest(obj cosem.Object, value any) (*cosem.Request, error) {
	r, _ := c.req(fmt.Sprintf("SET %s %v", obj.Obis, value))
	r.NoReply = c.noreply
	return r, nil
}

func (c *scriptCodec) ParseWriteResponse(r *cosem.Reply) error {
	return c.expect(r, "OK")
}

func (c *scriptCodec) ReleaseRequest() (*cosem.Request, error) {
	r, _ := c.req("RLRQ")
	r.NoReply = true
	return r, nil
}

func (c *scriptCodec) DisconnectRequest() (*cosem.Request, error) {
	r, _ := c.req("DISC")
	r.NoReply = true
	return r, nil
}

func (c *scriptCodec) ParseDisconnectResponse(r *cosem.Reply) error { return nil }

func (c *scriptCodec) GetData(chunk []byte, r *cosem.Reply) error {
	r.Pending = append(r.Pending, chunk...)
	i := bytes.IndexAny(r.Pending, ".+")
	if i < 0 {
		r.More = cosem.MoreDataFrame
		return nil
	}
	r.Data = append(r.Data, r.Pending[:i]...)
	end := r.Pending[i]
	r.Pending = r.Pending[i+1:]
	r.Frames++
	if end == '+' {
		r.More = cosem.MoreDataBlock
		return nil
	}
	r.More = cosem.MoreDataNone
	r.Value = string(r.Data)
	r.Data = r.Data[:0]
	if r.Value == "GARBAGE" {
		return errors.New("undecodable answer")
	}
	return nil
}

func (c *scriptCodec) ReceiverReady(*cosem.Reply) ([]byte, error) {
	return []byte("RR"), nil
}

func (c *scriptCodec) InvocationCounter() uint32 { return c.ic }
func (c *scriptCodec) SetInvocationCounter(fc uint32) { c.ic = fc }
func (c *scriptCodec) Reset() {}

func (c *scriptCodec) expect(r *cosem.Reply, want string) error {
	if r.Value != want {
		return fmt.Errorf("expected %s, got %v", want, r.Value)
	}
	return nil
}

// meter answers the handshake and serves value for every read.
func meter(value ...[]byte) func(string) [][]byte {
	return func(frame string) [][]byte {
		switch {
		case frame == "SNRM":
			return [][]byte{[]byte("UA.")}
		case frame == "AARQ":
			return [][]byte{[]byte("AARE.")}
		case frame == "AUTH":
			return [][]byte{[]byte("AUTHOK.")}
		case frame == "RR":
			return nil
		case strings.HasPrefix(frame, "GET"):
			return value
		case strings.HasPrefix(frame, "SET"):
			return [][]byte{[]byte("OK.")}
		}
		return nil
	}
}

var energy = cosem.Object{Type: cosem.ObjectTypeRegister, Obis: cosem.MustParseObis("1.0.1.8.0.255"), Attribute: 2}

func plainConfig() Config {
	return Config{Host: "meter.local", Port: 4059, WaitTime: time.Second, ReceiveCount: 1}
}

func securedConfig(t *testing.T) Config {
	cfg := plainConfig()
	cfg.Security = base.SecurityAuthenticationEncryption
	cfg.Suite = base.SecuritySuite0
	cfg.BlockCipherKey = bytes.Repeat([]byte{1}, 16)
	cfg.AuthenticationKey = bytes.Repeat([]byte{2}, 16)
	cfg.SystemTitle = []byte("CLIENT01")
	cfg.InvocationCounterPath = filepath.Join(t.TempDir(), "ic.txt")
	return cfg
}

func openReady(t *testing.T, cfg Config, st *scriptStream, c *scriptCodec) Session {
	t.Helper()
	s, err := Open(context.Background(), cfg, WithStream(st), WithCodec(c), WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EstablishAssociation(context.Background()))
	require.Equal(t, StateReady, s.State())
	return s
}

func TestSessionLifecycle(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("123.45."))}
	c := &scriptCodec{auth: true}
	s, err := Open(context.Background(), plainConfig(), WithStream(st), WithCodec(c))
	require.NoError(t, err)
	assert.Equal(t, StateOpening, s.State())

	require.NoError(t, s.EstablishAssociation(context.Background()))
	assert.Equal(t, StateReady, s.State())

	r, err := s.Read(context.Background(), energy)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1.8.0.255", r.Obis)
	assert.Equal(t, "123", r.Value)
	assert.False(t, r.Timestamp.IsZero())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []string{"SNRM", "AARQ", "AUTH", "GET 1.0.1.8.0.255", "RLRQ", "DISC"}, st.writes)
	assert.Equal(t, 1, st.closed)

	// only the first close acts
	require.NoError(t, s.Close())
	assert.Equal(t, 1, st.closed)
}

func TestAuthenticationSkippedWhenNotDemanded(t *testing.T) {
	st := &scriptStream{respond: meter()}
	openReady(t, plainConfig(), st, &scriptCodec{})
	assert.Equal(t, []string{"SNRM", "AARQ"}, st.writes)
}

func TestFragmentationDoesNotChangeResult(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{"single chunk", []string{"4567.89."}},
		{"byte by byte", []string{"4", "5", "6", "7", ".", "8", "9", "."}},
		{"two chunks", []string{"45", "67.89."}},
		{"blocks", []string{"45+", "67."}},
		{"blocks split", []string{"4", "5+6", "7", "."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var chunks [][]byte
			for _, ch := range tt.chunks {
				chunks = append(chunks, []byte(ch))
			}
			st := &scriptStream{respond: meter(chunks...)}
			s := openReady(t, plainConfig(), st, &scriptCodec{})

			r, err := s.Read(context.Background(), energy)
			require.NoError(t, err)
			assert.Equal(t, "4567", r.Value)
		})
	}
}

func TestBlockSendsReceiverReady(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("12+"), []byte("34+"), []byte("5."))}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	r, err := s.Read(context.Background(), energy)
	require.NoError(t, err)
	assert.Equal(t, "12345", r.Value)
	assert.Equal(t, []string{"SNRM", "AARQ", "GET 1.0.1.8.0.255", "RR", "RR"}, st.writes)
}

func TestReadTimeout(t *testing.T) {
	cfg := plainConfig()
	cfg.ReceiveCount = 3
	st := &scriptStream{respond: meter()}
	s := openReady(t, cfg, st, &scriptCodec{})
	reads := st.reads

	_, err := s.Read(context.Background(), energy)
	require.Error(t, err)
	assert.ErrorIs(t, err, base.ErrTimeout)
	assert.Equal(t, 3, st.reads-reads)
	assert.Equal(t, StateFaulted, s.State())

	require.NoError(t, s.Close())
	assert.NotContains(t, st.writes, "RLRQ")
}

func TestLateReplyIsNotTakenForTheNextRead(t *testing.T) {
	voltage := cosem.Object{Type: cosem.ObjectTypeRegister, Obis: cosem.MustParseObis("1.0.32.7.0.255"), Attribute: 2}
	st := &scriptStream{respond: func(frame string) [][]byte {
		switch frame {
		case "GET 1.0.1.8.0.255":
			return [][]byte{nil, []byte("111.")}
		case "GET 1.0.32.7.0.255":
			return [][]byte{[]byte("230.")}
		}
		return meter()(frame)
	}}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	_, err := s.Read(context.Background(), energy)
	require.ErrorIs(t, err, base.ErrTimeout)
	assert.Equal(t, StateFaulted, s.State())

	r, err := s.Read(context.Background(), voltage)
	assert.ErrorIs(t, err, base.ErrTransport)
	assert.Nil(t, r.Value)
	assert.NotContains(t, st.writes, "GET 1.0.32.7.0.255")
}

func TestReleaseSkippedWhenContextEnded(t *testing.T) {
	st := &scriptStream{respond: meter()}
	s := openReady(t, plainConfig(), st, &scriptCodec{})
	writes := len(st.writes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Release(ctx)
	require.NoError(t, s.Close())
	assert.Len(t, st.writes, writes)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, st.closed)
}

func TestReceiveCountToleratesGaps(t *testing.T) {
	cfg := plainConfig()
	cfg.ReceiveCount = 3
	st := &scriptStream{respond: meter(nil, []byte("7"), nil, nil, []byte("."))}
	s := openReady(t, cfg, st, &scriptCodec{})

	r, err := s.Read(context.Background(), energy)
	require.NoError(t, err)
	assert.Equal(t, "7", r.Value)
}

func TestPartialFrameThenSilenceTimesOut(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("12"))}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	_, err := s.Read(context.Background(), energy)
	assert.ErrorIs(t, err, base.ErrTimeout)
}

func TestWriteWithoutReply(t *testing.T) {
	st := &scriptStream{respond: func(frame string) [][]byte {
		if strings.HasPrefix(frame, "SET") {
			return nil
		}
		return meter()(frame)
	}}
	s := openReady(t, plainConfig(), st, &scriptCodec{noreply: true})

	require.NoError(t, s.Write(context.Background(), energy, 10))
	assert.Contains(t, st.writes, "SET 1.0.1.8.0.255 10")
	assert.Equal(t, StateReady, s.State())
}

func TestWriteAcknowledged(t *testing.T) {
	st := &scriptStream{respond: meter()}
	s := openReady(t, plainConfig(), st, &scriptCodec{})
	require.NoError(t, s.Write(context.Background(), energy, 10))
}

func TestWriteRejectedAnswer(t *testing.T) {
	st := &scriptStream{respond: func(frame string) [][]byte {
		if strings.HasPrefix(frame, "SET") {
			return [][]byte{[]byte("DENIED.")}
		}
		return meter()(frame)
	}}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	err := s.Write(context.Background(), energy, 10)
	assert.ErrorIs(t, err, base.ErrProtocol)
}

func TestUndecodableAnswerIsProtocolError(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("GARBAGE."))}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	_, err := s.Read(context.Background(), energy)
	assert.ErrorIs(t, err, base.ErrProtocol)
	var e *base.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "read", e.Op)
	assert.Equal(t, "1.0.1.8.0.255", e.Target)
}

func TestAssociationRejected(t *testing.T) {
	st := &scriptStream{respond: func(frame string) [][]byte {
		if frame == "AARQ" {
			return [][]byte{[]byte("REJECT.")}
		}
		return meter()(frame)
	}}
	s, err := Open(context.Background(), plainConfig(), WithStream(st), WithCodec(&scriptCodec{}))
	require.NoError(t, err)

	err = s.EstablishAssociation(context.Background())
	assert.ErrorIs(t, err, base.ErrAssociation)
	assert.NotEqual(t, StateReady, s.State())

	_, err = s.Read(context.Background(), energy)
	assert.Error(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.NotContains(t, st.writes, "RLRQ")
}

func TestAssociationTimeout(t *testing.T) {
	st := &scriptStream{}
	s, err := Open(context.Background(), plainConfig(), WithStream(st), WithCodec(&scriptCodec{}))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.EstablishAssociation(context.Background()), base.ErrTimeout)
}

func TestTransportErrorFaults(t *testing.T) {
	st := &scriptStream{respond: meter()}
	s := openReady(t, plainConfig(), st, &scriptCodec{})

	st.readErr = io.EOF
	_, err := s.Read(context.Background(), energy)
	assert.ErrorIs(t, err, base.ErrTransport)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateFaulted, s.State())

	_, err = s.Read(context.Background(), energy)
	assert.ErrorIs(t, err, base.ErrTransport)

	require.NoError(t, s.Close())
	assert.Equal(t, StateFaulted, s.State())
	assert.NotContains(t, st.writes, "RLRQ")
}

func TestReceiveDeadlineFollowsContext(t *testing.T) {
	cfg := plainConfig()
	cfg.WaitTime = time.Hour
	st := &scriptStream{respond: meter([]byte("1."))}
	s := openReady(t, cfg, st, &scriptCodec{})

	d := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(context.Background(), d)
	defer cancel()
	_, err := s.Read(ctx, energy)
	require.NoError(t, err)
	assert.Equal(t, d, st.deadlines[len(st.deadlines)-1])
}

func TestCancelledContextSendsNothing(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("1."))}
	s := openReady(t, plainConfig(), st, &scriptCodec{})
	writes := len(st.writes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Read(ctx, energy)
	assert.ErrorIs(t, err, base.ErrTimeout)
	assert.Len(t, st.writes, writes)
}

func TestOperationsAreSerialized(t *testing.T) {
	st := &scriptStream{respond: meter([]byte("1"), []byte("2."))}
	c := &scriptCodec{}
	s := openReady(t, plainConfig(), st, c)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Read(context.Background(), energy)
		}()
	}
	wg.Wait()
	assert.False(t, c.overlap)
}

func TestMissingBlockCipherKeyOpensNoTransport(t *testing.T) {
	cfg := securedConfig(t)
	cfg.BlockCipherKey = nil
	st := &scriptStream{}

	_, err := Open(context.Background(), cfg, WithStream(st), WithCodec(&scriptCodec{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, base.ErrConfiguration)
	assert.Equal(t, 0, st.opened)

	var ce *base.ConfigError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Problems(), 1)
	assert.Contains(t, ce.Problems()[0].Error(), "block_cipher_key")

	_, err = os.Stat(cfg.InvocationCounterPath)
	assert.True(t, os.IsNotExist(err))
}

func TestValidateListsEverything(t *testing.T) {
	cfg := Config{Transport: TransportTCP, Port: 0, Suite: base.SecuritySuite0, Authentication: base.AuthenticationLow}
	err := cfg.Validate()
	var ce *base.ConfigError
	require.ErrorAs(t, err, &ce)
	// host, port, password, both keys, title, counter path and security
	assert.Len(t, ce.Problems(), 8)
}

func TestOpenRefusedIsTransportError(t *testing.T) {
	cfg := securedConfig(t)
	require.NoError(t, os.WriteFile(cfg.InvocationCounterPath, []byte("41"), 0o644))
	st := &scriptStream{openErr: errors.New("connection refused")}

	_, err := Open(context.Background(), cfg, WithStream(st), WithCodec(&scriptCodec{}))
	assert.ErrorIs(t, err, base.ErrTransport)

	b, err := os.ReadFile(cfg.InvocationCounterPath)
	require.NoError(t, err)
	assert.Equal(t, "42", string(b))
}

func TestInvocationCounterPersists(t *testing.T) {
	cfg := securedConfig(t)
	require.NoError(t, os.WriteFile(cfg.InvocationCounterPath, []byte("41"), 0o644))

	c := &scriptCodec{}
	s := openReady(t, cfg, &scriptStream{respond: meter([]byte("1."))}, c)
	_, err := s.Read(context.Background(), energy)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	// SNRM, AARQ, GET, RLRQ and DISC each consumed one value
	assert.Equal(t, uint32(46), c.ic)

	b, err := os.ReadFile(cfg.InvocationCounterPath)
	require.NoError(t, err)
	assert.Equal(t, "46", string(b))

	next := &scriptCodec{}
	s = openReady(t, cfg, &scriptStream{respond: meter()}, next)
	assert.GreaterOrEqual(t, next.ic, uint32(46))
	require.NoError(t, s.Close())
}

func TestSecuredSessionsShareCounter(t *testing.T) {
	cfg := securedConfig(t)
	a, err := Open(context.Background(), cfg, WithStream(&scriptStream{}), WithCodec(&scriptCodec{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Open(ctx, cfg, WithStream(&scriptStream{}), WithCodec(&scriptCodec{}))
	assert.ErrorIs(t, err, base.ErrTimeout)

	require.NoError(t, a.Close())
	b, err := Open(context.Background(), cfg, WithStream(&scriptStream{}), WithCodec(&scriptCodec{}))
	require.NoError(t, err)
	require.NoError(t, b.Close())
}
