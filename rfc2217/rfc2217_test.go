package rfc2217

import (
	"testing"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// terminalServer is the socket side, reads hands out one chunk per call.
type terminalServer struct {
	open   bool
	writes [][]byte
	reads  [][]byte
}

func (t *terminalServer) Open() error { t.open = true; return nil }
func (t *terminalServer) Disconnect() error { t.open = false; return nil }
func (t *terminalServer) IsOpen() bool { return t.open }
func (t *terminalServer) SetLogger(*zap.SugaredLogger) {}
func (t *terminalServer) SetTimeout(time.Duration) {}
func (t *terminalServer) SetDeadline(time.Time) {}
func (t *terminalServer) SetMaxReceivedBytes(int64) {}
func (t *terminalServer) GetRxTxBytes() (int64, int64) { return 0, 0 }

func (t *terminalServer) Write(src []byte) error {
	t.writes = append(t.writes, append([]byte(nil), src...))
	return nil
}

func (t *terminalServer) Read(p []byte) (int, error) {
	if len(t.reads) == 0 {
		return 0, base.ErrCommunicationTimeout
	}
	n := copy(p, t.reads[0])
	t.reads = t.reads[1:]
	return n, nil
}

func sub(cmd byte, v ...byte) []byte {
	return append(append([]byte{cmdIAC, cmdSB, optComPort, cmd}, v...), cmdIAC, cmdSE)
}

func opened(t *testing.T, reads ...[]byte) (base.Stream, *terminalServer) {
	t.Helper()
	ts := &terminalServer{}
	s := New(ts, base.SerialStreamSettings{BaudRate: 19200, DataBits: 8, Parity: base.SerialEvenParity, StopBits: base.SerialOneStopBit})
	s.SetLogger(zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Open())
	ts.writes = nil
	ts.reads = reads
	return s, ts
}

func TestOpenNegotiatesLine(t *testing.T) {
	ts := &terminalServer{}
	s := New(ts, base.SerialStreamSettings{BaudRate: 19200, DataBits: 8, Parity: base.SerialEvenParity, StopBits: base.SerialOneStopBit})
	assert.ErrorIs(t, s.Write([]byte{1}), base.ErrNotOpened)

	require.NoError(t, s.Open())
	assert.True(t, s.IsOpen())
	require.Len(t, ts.writes, 1)

	var want []byte
	want = append(want, cmdIAC, cmdWill, optBinary, cmdIAC, cmdWill, optSGA, cmdIAC, cmdWill, optComPort)
	want = append(want, sub(comSignature, []byte(signature)...)...)
	want = append(want, sub(comBaudRate, 0x00, 0x00, 0x4b, 0x00)...)
	want = append(want, sub(comDataSize, 8)...)
	want = append(want, sub(comParity, 3)...)
	want = append(want, sub(comStopSize, 1)...)
	want = append(want, sub(comPurgeData, 3)...)
	assert.Equal(t, want, ts.writes[0])

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsOpen())
	assert.False(t, ts.open)
}

func TestWriteEscapesIAC(t *testing.T) {
	s, ts := opened(t)
	require.NoError(t, s.Write([]byte{0x7e, 0xff, 0x01, 0xff}))
	assert.Equal(t, [][]byte{{0x7e, 0xff, 0xff, 0x01, 0xff, 0xff}}, ts.writes)
}

func TestReadFiltersTelnet(t *testing.T) {
	s, ts := opened(t,
		// confirmations only, Read waits for the next chunk
		append([]byte{cmdIAC, cmdDo, optBinary}, sub(comBaudRate+100, 0x00, 0x00, 0x4b, 0x00)...),
		[]byte{0x7e, 0xa0, cmdIAC, cmdIAC, cmdIAC, cmdDo, 24, 0x7e, cmdIAC, cmdSB, optComPort},
		[]byte{comParity + 100, 3, cmdIAC, cmdSE, 0x01},
	)
	buf := make([]byte, 64)

	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7e, 0xa0, 0xff, 0x7e}, buf[:n])
	// terminal type is declined
	assert.Equal(t, [][]byte{{cmdIAC, cmdWont, 24}}, ts.writes)

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, buf[:n])

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, base.ErrCommunicationTimeout)
}

func TestSignatureRequestAnswered(t *testing.T) {
	s, ts := opened(t, append(sub(comSignature+100), 0x42))
	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, buf[:n])
	assert.Equal(t, [][]byte{sub(comSignature, []byte(signature)...)}, ts.writes)
}

func TestReadRejectsBrokenNegotiation(t *testing.T) {
	tests := []struct {
		name string
		read []byte
	}{
		{"com port refused", []byte{cmdIAC, cmdWont, optComPort}},
		{"binary refused", []byte{cmdIAC, cmdDont, optBinary}},
		{"short baud confirmation", sub(comBaudRate+100, 0x4b)},
		{"command inside subnegotiation", []byte{cmdIAC, cmdSB, optComPort, 1, cmdIAC, cmdDo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := opened(t, tt.read)
			_, err := s.Read(make([]byte, 16))
			assert.Error(t, err)
		})
	}
}

func TestReadBeforeOpen(t *testing.T) {
	s := New(&terminalServer{}, base.SerialStreamSettings{})
	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, base.ErrNotOpened)
}
