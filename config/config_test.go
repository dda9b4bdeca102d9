package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/engine"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/nodehost"
	"github.com/cybroslabs/dlmsgate/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayYAML = `
log:
  level: debug
device:
  host: 10.0.0.7
  port: 4060
  interface: wrapper
  client_address: 1
  server_address: 1
  authentication: low
  password: "12345678"
  wait_time: 2s
  receive_count: 3
engine:
  poll_interval: 15s
nodehost:
  listen: ""
  opcua:
    port: 4841
  mqtt:
    broker: tcp://localhost:1883
    encoding: cbor
profiles:
  - obis: 1.0.1.8.0.255
    node_id: ns=2;s=ActiveEnergy
    object_type: register
    attribute: 2
    value_type: double
  - obis: 1.0.32.7.0.255
    node_id: ns=2;s=Voltage
    initial_value: 230
`

const gatewayTOML = `
[log]
level = "debug"

[device]
host = "10.0.0.7"
port = 4060
interface = "wrapper"
client_address = 1
server_address = 1
authentication = "low"
password = "12345678"
wait_time = "2s"
receive_count = 3

[engine]
poll_interval = "15s"

[nodehost]
listen = ""

[nodehost.opcua]
port = 4841

[nodehost.mqtt]
broker = "tcp://localhost:1883"
encoding = "cbor"

[[profiles]]
obis = "1.0.1.8.0.255"
node_id = "ns=2;s=ActiveEnergy"
object_type = "register"
attribute = 2
value_type = "double"

[[profiles]]
obis = "1.0.32.7.0.255"
node_id = "ns=2;s=Voltage"
initial_value = 230
`

func writeFile(t *testing.T, dir string, name string, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func missingEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"gateway.yaml", gatewayYAML},
		{"gateway.toml", gatewayTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Load(writeFile(t, t.TempDir(), tt.name, tt.content), missingEnv(t))
			require.NoError(t, err)
			require.NoError(t, Validate(f))

			assert.Equal(t, "debug", f.Log.Level)
			assert.Equal(t, "10.0.0.7", f.Device.Host)
			assert.Equal(t, 4060, f.Device.Port)
			assert.Equal(t, 2*time.Second, f.Device.WaitTime.Duration)
			assert.Equal(t, 15*time.Second, f.Engine.PollInterval.Duration)
			assert.Equal(t, engine.DefaultCooldown, f.Engine.Cooldown.Duration)
			require.Len(t, f.Profiles, 2)
			require.NotNil(t, f.Profiles[0].Attribute)
			assert.Equal(t, 2, *f.Profiles[0].Attribute)
			assert.Nil(t, f.Profiles[1].Attribute)

			dev, err := f.SessionConfig()
			require.NoError(t, err)
			assert.Equal(t, session.TransportTCP, dev.Transport)
			assert.Equal(t, base.InterfaceWrapper, dev.Interface)
			assert.Equal(t, base.AuthenticationLow, dev.Authentication)
			assert.Equal(t, 3, dev.ReceiveCount)
			assert.Equal(t, uint16(session.DefaultMaxPduSize), dev.MaxPduSize)
			require.NoError(t, dev.Validate())

			nh := f.NodeHostConfig()
			assert.Empty(t, nh.Listen)
			assert.Equal(t, "cbor", nh.MQTT.Encoding)
			assert.Equal(t, "tcp://localhost:1883", nh.MQTT.Broker)
			assert.Equal(t, nodehost.UAConfig{Host: "localhost", Port: 4841}, nh.UA)

			s := mapping.Build(f.Profiles, nil)
			assert.Equal(t, 2, s.Len())
			v, ok := s.ByNode("ns=2;s=Voltage")
			require.True(t, ok)
			assert.Equal(t, mapping.ValueTypeFloat, v.ValueType)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	f, err := Load(writeFile(t, t.TempDir(), "empty.yaml", ""), missingEnv(t))
	require.NoError(t, err)
	require.NoError(t, Validate(f))

	dev, err := f.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, session.DefaultHost, dev.Host)
	assert.Equal(t, session.DefaultPort, dev.Port)
	assert.Equal(t, session.DefaultClient, dev.ClientAddress)
	assert.Equal(t, session.DefaultServer, dev.ServerAddress)
	assert.Equal(t, session.DefaultWaitTime, dev.WaitTime)
	assert.Equal(t, base.SecuritySuiteNone, dev.Suite)

	assert.Equal(t, engine.DefaultConfig(), f.EngineConfig())
	assert.Equal(t, ":8080", f.NodeHostConfig().Listen)
	assert.Equal(t, nodehost.DefaultUAPort, f.NodeHostConfig().UA.Port)
	assert.Empty(t, f.Profiles)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown.yaml", "device:\n  hots: 1.2.3.4\n"},
		{"unknown.toml", "[device]\nhots = \"1.2.3.4\"\n"},
		{"broken.yaml", "device: [\n"},
		{"gateway.json", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.name, tt.content), missingEnv(t))
			assert.ErrorIs(t, err, base.ErrConfiguration)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DLMSGATE_HOST", "meter.local")
	t.Setenv("DLMSGATE_PORT", "5000")
	t.Setenv("DLMSGATE_MQTT_BROKER", "tcp://broker:1883")

	f, err := Load(writeFile(t, t.TempDir(), "gateway.yaml", gatewayYAML), missingEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "meter.local", f.Device.Host)
	assert.Equal(t, 5000, f.Device.Port)
	assert.Equal(t, "tcp://broker:1883", f.NodeHost.MQTT.Broker)
}

func TestEnvironmentPortRejected(t *testing.T) {
	t.Setenv("DLMSGATE_PORT", "http")
	_, err := Load(writeFile(t, t.TempDir(), "gateway.yaml", gatewayYAML), missingEnv(t))
	assert.ErrorIs(t, err, base.ErrConfiguration)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	const key = "DLMSGATE_INVOCATION_COUNTER_PATH"
	t.Cleanup(func() { os.Unsetenv(key) })
	env := writeFile(t, dir, ".env", key+"=/var/lib/dlmsgate/ic\n")

	f, err := Load(writeFile(t, dir, "gateway.yaml", gatewayYAML), env)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dlmsgate/ic", f.Device.InvocationCounterPath)
}

func secured() *File {
	f := Default()
	f.Device.Security = "authentication_encryption"
	f.Device.SecuritySuite = "suite0"
	f.Device.Authentication = "high_gmac"
	f.Device.BlockCipherKey = "000102030405060708090A0B0C0D0E0F"
	f.Device.AuthenticationKey = "D0D1D2D3 D4D5D6D7 D8D9DADB DCDDDEDF"
	f.Device.SystemTitle = "4D4D4D0000BC614E"
	f.Device.InvocationCounterPath = "/var/lib/dlmsgate/ic"
	return f
}

func TestValidateSecured(t *testing.T) {
	f := secured()
	require.NoError(t, Validate(f))
	dev, err := f.SessionConfig()
	require.NoError(t, err)
	assert.True(t, dev.Secured())
	assert.Len(t, dev.BlockCipherKey, 16)
	assert.Equal(t, byte(0xDF), dev.AuthenticationKey[15])
	assert.Len(t, dev.SystemTitle, 8)
	require.NoError(t, dev.Validate())
}

func problems(t *testing.T, err error) []error {
	t.Helper()
	require.ErrorIs(t, err, base.ErrConfiguration)
	var ce *base.ConfigError
	require.ErrorAs(t, err, &ce)
	return ce.Problems()
}

func TestValidateListsEveryProblem(t *testing.T) {
	f := secured()
	f.Device.BlockCipherKey = ""
	f.Device.AuthenticationKey = "ABC"
	f.Device.SystemTitle = "4D4D4D"
	f.Device.InvocationCounterPath = ""
	f.Device.Port = 0
	f.Device.ClientAddress = 200
	f.Engine.WriteTimeout = Duration{}

	p := problems(t, Validate(f))
	require.Len(t, p, 7)
	assert.ErrorContains(t, p[0], "device.port")
	assert.ErrorContains(t, p[1], "device.client_address")
	assert.ErrorContains(t, p[2], "device.block_cipher_key: missing")
	assert.ErrorContains(t, p[3], "device.authentication_key: odd number")
	assert.ErrorContains(t, p[4], "device.system_title: 3 bytes, want 8")
	assert.ErrorContains(t, p[5], "device.invocation_counter_path")
	assert.ErrorContains(t, p[6], "engine.write_timeout")
}

func TestValidateSecurityCombinations(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(f *File)
		field string
	}{
		{"suite without security", func(f *File) { f.Device.Security = "none" }, "security suite requires security"},
		{"unsupported suite", func(f *File) { f.Device.SecuritySuite = "suite1" }, "suite1 is not supported"},
		{"security without suite", func(f *File) {
			*f = *Default()
			f.Device.Security = "encryption"
		}, "security requires a security suite"},
		{"gmac without suite", func(f *File) {
			*f = *Default()
			f.Device.Authentication = "high_gmac"
		}, "high_gmac requires a security suite"},
		{"low without password", func(f *File) {
			*f = *Default()
			f.Device.Authentication = "low"
		}, "device.password"},
		{"bad token", func(f *File) { f.Device.Authentication = "hls" }, "device.authentication"},
		{"bad value type", func(f *File) {
			f.Profiles = []mapping.RawProfile{{Obis: "1.0.1.8.0.255", NodeID: "ns=2;s=A", ValueType: "decimal"}}
		}, "profiles[0].value_type"},
		{"bad mqtt encoding", func(f *File) {
			f.NodeHost.MQTT.Broker = "tcp://b:1883"
			f.NodeHost.MQTT.Encoding = "xml"
		}, "nodehost.mqtt.encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := secured()
			tt.edit(f)
			err := Validate(f)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.field)
			assert.ErrorIs(t, err, base.ErrConfiguration)
		})
	}
}

func TestTerminalServerTransport(t *testing.T) {
	f := Default()
	f.Device.Transport = "RFC2217"
	f.Device.Host = "ts.local"
	f.Device.Port = 4001
	f.Device.Serial = Serial{Baud: 19200, DataBits: 8, Parity: "even", StopBits: 1}
	require.NoError(t, Validate(f))

	dev, err := f.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, session.TransportRFC2217, dev.Transport)
	assert.Equal(t, "ts.local:4001", dev.Address())
	assert.Equal(t, base.SerialEvenParity, dev.Serial.Parity)
	assert.Equal(t, 19200, dev.Serial.BaudRate)
	require.NoError(t, dev.Validate())

	f.Device.Host = ""
	f.Device.Serial = Serial{Baud: 0, DataBits: 9, Parity: "mark", StopBits: 3}
	p := problems(t, Validate(f))
	require.Len(t, p, 5)
	assert.ErrorContains(t, p[0], "device.host")
	assert.ErrorContains(t, p[1], "device.serial.baud")
	assert.ErrorContains(t, p[2], "device.serial.data_bits")
	assert.ErrorContains(t, p[3], "device.serial.parity")
	assert.ErrorContains(t, p[4], "device.serial.stop_bits")
}

type recordingTarget struct {
	mu  sync.Mutex
	dev []session.Config
	eng []engine.Config
}

func (r *recordingTarget) SetDeviceConfig(dev session.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dev = append(r.dev, dev)
}

func (r *recordingTarget) SetConfig(cfg engine.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eng = append(r.eng, cfg)
}

func (r *recordingTarget) devices() []session.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Config(nil), r.dev...)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", gatewayYAML)
	reg := mapping.New(nil)
	target := &recordingTarget{}

	w := NewWatcher(path, reg, target, missingEnv(t))
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Reload())
	require.Equal(t, 2, reg.Current().Len())
	version := reg.Current().Version

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "unrelated.yaml", "x: 1")
	writeFile(t, dir, "gateway.yaml", "device:\n  port: 0\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, version, reg.Current().Version, "an invalid file must not be applied")

	writeFile(t, dir, "gateway.yaml", `
device:
  host: 10.0.0.8
profiles:
  - obis: 1.0.2.8.0.255
    node_id: ns=2;s=ReverseEnergy
    value_type: double
`)
	require.Eventually(t, func() bool {
		s := reg.Current()
		_, ok := s.ByNode("ns=2;s=ReverseEnergy")
		return ok && s.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	devs := target.devices()
	require.NotEmpty(t, devs)
	assert.Equal(t, "10.0.0.8", devs[len(devs)-1].Host)
}
