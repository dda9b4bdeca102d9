package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/session"
	"go.uber.org/zap/zapcore"
)

const (
	keyLength         = 16
	systemTitleLength = 8
)

// Validate lists every invalid setting of f in one *base.ConfigError.
func Validate(f *File) error {
	var ce base.ConfigError
	validateDevice(&ce, &f.Device)
	validateEngine(&ce, &f.Engine)
	validateNodeHost(&ce, &f.NodeHost)
	validateProfiles(&ce, f.Profiles)
	if _, err := zapcore.ParseLevel(f.Log.Level); err != nil {
		ce.Add("log.level", "%v", err)
	}
	return ce.Err()
}

func validateEndpoint(ce *base.ConfigError, d *Device) {
	if strings.TrimSpace(d.Host) == "" {
		ce.Add("device.host", "missing")
	}
	if d.Port < 1 || d.Port > 65535 {
		ce.Add("device.port", "%d out of range 1..65535", d.Port)
	}
}

func validateLine(ce *base.ConfigError, l *Serial) {
	if l.Baud <= 0 {
		ce.Add("device.serial.baud", "%d is not a baud rate", l.Baud)
	}
	if l.DataBits < 5 || l.DataBits > 8 {
		ce.Add("device.serial.data_bits", "%d out of range 5..8", l.DataBits)
	}
	if _, err := parity(l.Parity); err != nil {
		ce.Add("device.serial.parity", "%v", err)
	}
	if l.StopBits != 1 && l.StopBits != 2 {
		ce.Add("device.serial.stop_bits", "%d, use 1 or 2", l.StopBits)
	}
}

func validateDevice(ce *base.ConfigError, d *Device) {
	switch session.TransportKind(strings.ToLower(strings.TrimSpace(d.Transport))) {
	case session.TransportTCP:
		validateEndpoint(ce, d)
	case session.TransportSerial:
		if d.Serial.Port == "" {
			ce.Add("device.serial.port", "missing")
		}
		validateLine(ce, &d.Serial)
	case session.TransportRFC2217:
		validateEndpoint(ce, d)
		validateLine(ce, &d.Serial)
	default:
		ce.Add("device.transport", "unknown transport %q, use tcp, serial or rfc2217", d.Transport)
	}

	if _, err := base.ParseInterfaceType(d.Interface); err != nil {
		ce.Add("device.interface", "%v", err)
	}
	if d.ClientAddress < 1 || d.ClientAddress > 127 {
		ce.Add("device.client_address", "%d out of range 1..127", d.ClientAddress)
	}
	if d.ServerAddress < 0 || d.ServerAddress > 0x3fff {
		ce.Add("device.server_address", "%d out of range 0..16383", d.ServerAddress)
	}
	if d.PhysicalAddress < 0 || d.PhysicalAddress > 0x3fff {
		ce.Add("device.physical_address", "%d out of range 0..16383", d.PhysicalAddress)
	}
	switch d.AddressSize {
	case 0, 1, 2, 4:
	default:
		ce.Add("device.address_size", "%d, use 1, 2 or 4", d.AddressSize)
	}
	if d.WaitTime.Duration <= 0 {
		ce.Add("device.wait_time", "must be positive")
	}
	if d.ReceiveCount < 1 {
		ce.Add("device.receive_count", "%d, at least 1", d.ReceiveCount)
	}
	if d.MaxPduSize < 0 || d.MaxPduSize > 0xffff {
		ce.Add("device.max_pdu_size", "%d out of range", d.MaxPduSize)
	}

	auth, err := base.ParseAuthentication(d.Authentication)
	if err != nil {
		ce.Add("device.authentication", "%v", err)
	}
	security, err := base.ParseSecurity(d.Security)
	if err != nil {
		ce.Add("device.security", "%v", err)
	}
	suite, err := base.ParseSecuritySuite(d.SecuritySuite)
	if err != nil {
		ce.Add("device.security_suite", "%v", err)
	}

	if auth == base.AuthenticationLow && d.Password == "" {
		ce.Add("device.password", "required by low authentication")
	}
	if suite != base.SecuritySuiteNone {
		if suite != base.SecuritySuite0 {
			ce.Add("device.security_suite", "%v is not supported, use suite0", suite)
		}
		checkHex(ce, "device.block_cipher_key", d.BlockCipherKey, keyLength)
		checkHex(ce, "device.authentication_key", d.AuthenticationKey, keyLength)
		checkHex(ce, "device.system_title", d.SystemTitle, systemTitleLength)
		if strings.TrimSpace(d.InvocationCounterPath) == "" {
			ce.Add("device.invocation_counter_path", "required by security suite %v", suite)
		}
		if security == base.SecurityNone {
			ce.Add("device.security", "security suite requires security")
		}
	} else if security != base.SecurityNone {
		ce.Add("device.security_suite", "security requires a security suite")
	}
	if auth == base.AuthenticationHighGmac && suite == base.SecuritySuiteNone {
		ce.Add("device.authentication", "high_gmac requires a security suite")
	}
}

func checkHex(ce *base.ConfigError, field string, s string, want int) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	switch {
	case s == "":
		ce.Add(field, "missing")
	case len(s)%2 != 0:
		ce.Add(field, "odd number of hex digits")
	default:
		b, err := hex.DecodeString(s)
		if err != nil {
			ce.Add(field, "not hex: %v", err)
		} else if len(b) != want {
			ce.Add(field, "%d bytes, want %d", len(b), want)
		}
	}
}

func validateEngine(ce *base.ConfigError, e *Engine) {
	if e.PollInterval.Duration <= 0 {
		ce.Add("engine.poll_interval", "must be positive")
	}
	if e.Cooldown.Duration <= 0 {
		ce.Add("engine.cooldown", "must be positive")
	}
	if e.WriteTimeout.Duration <= 0 {
		ce.Add("engine.write_timeout", "must be positive")
	}
}

func validateNodeHost(ce *base.ConfigError, n *NodeHost) {
	if strings.TrimSpace(n.NamespaceURI) == "" {
		ce.Add("nodehost.namespace_uri", "missing")
	}
	if n.OPCUA.Port < 0 || n.OPCUA.Port > 65535 {
		ce.Add("nodehost.opcua.port", "%d out of range 0..65535", n.OPCUA.Port)
	}
	m := &n.MQTT
	if m.Broker == "" {
		return
	}
	if m.QoS < 0 || m.QoS > 2 {
		ce.Add("nodehost.mqtt.qos", "%d, use 0, 1 or 2", m.QoS)
	}
	switch strings.ToLower(m.Encoding) {
	case "", "json", "cbor":
	default:
		ce.Add("nodehost.mqtt.encoding", "unknown encoding %q, use json or cbor", m.Encoding)
	}
}

// validateProfiles only rejects tokens that can not mean anything, incomplete
// entries are left to the mapping registry which drops them with a warning.
func validateProfiles(ce *base.ConfigError, profiles []mapping.RawProfile) {
	for i := range profiles {
		p := &profiles[i]
		field := fmt.Sprintf("profiles[%d]", i)
		if _, err := mapping.ParseValueType(p.ValueType); err != nil {
			ce.Add(field+".value_type", "%v", err)
		}
		if _, err := cosem.ParseObjectType(p.ObjectType); err != nil {
			ce.Add(field+".object_type", "%v", err)
		}
	}
}
