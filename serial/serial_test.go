package serial

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tarm "github.com/tarm/serial"
)

type fakePort struct {
	rx     [][]byte
	tx     bytes.Buffer
	closed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.rx) == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, f.rx[0])
	f.rx = f.rx[1:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	return f.tx.Write(p)
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func newTestStream(t *testing.T, fp *fakePort, timeout time.Duration) (*serialStream, *tarm.Config) {
	t.Helper()
	var cfg *tarm.Config
	s := New(base.SerialStreamSettings{Port: "/dev/ttyUSB0", BaudRate: 300, Parity: base.SerialEvenParity, DataBits: 7}, timeout).(*serialStream)
	s.open = func(c *tarm.Config) (port, error) {
		cfg = c
		return fp, nil
	}
	require.NoError(t, s.Open())
	return s, cfg
}

func TestOpenMapsSettings(t *testing.T) {
	_, cfg := newTestStream(t, &fakePort{}, time.Second)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Name)
	assert.Equal(t, 300, cfg.Baud)
	assert.Equal(t, byte(7), cfg.Size)
	assert.Equal(t, tarm.ParityEven, cfg.Parity)
	assert.Equal(t, tarm.Stop1, cfg.StopBits)
}

func TestReadWrite(t *testing.T) {
	fp := &fakePort{rx: [][]byte{{0x7e, 0xa0, 0x07}}}
	s, _ := newTestStream(t, fp, time.Second)

	require.NoError(t, s.Write([]byte{0x7e}))
	assert.Equal(t, []byte{0x7e}, fp.tx.Bytes())

	p := make([]byte, 8)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7e, 0xa0, 0x07}, p[:n])

	rx, tx := s.GetRxTxBytes()
	assert.Equal(t, int64(3), rx)
	assert.Equal(t, int64(1), tx)

	require.NoError(t, s.Disconnect())
	assert.True(t, fp.closed)
}

func TestReadTimesOut(t *testing.T) {
	s, _ := newTestStream(t, &fakePort{}, 10*time.Millisecond)
	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, base.ErrCommunicationTimeout)
}
