package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
)

const (
	DefaultHost         = "192.168.1.10"
	DefaultPort         = 4059
	DefaultClient       = 16
	DefaultServer       = 1
	DefaultWaitTime     = 5 * time.Second
	DefaultReceiveCount = 1
	DefaultMaxPduSize   = 1024
	DefaultBaudRate     = 9600
)

type TransportKind string

const (
	TransportTCP     TransportKind = "tcp"
	TransportSerial  TransportKind = "serial"
	TransportRFC2217 TransportKind = "rfc2217" // serial line behind a terminal server
)

// Config describes one meter connection. It is copied into a session on Open.
type Config struct {
	Transport             TransportKind
	Host                  string
	Port                  int
	Serial                base.SerialStreamSettings
	Interface             base.InterfaceType
	ClientAddress         int
	ServerAddress         int // logical device
	PhysicalAddress       int
	AddressSize           int
	Authentication        base.Authentication
	Password              string
	Security              base.DlmsSecurity
	Suite                 base.SecuritySuite
	BlockCipherKey        []byte
	AuthenticationKey     []byte
	SystemTitle           []byte
	InvocationCounterPath string
	WaitTime              time.Duration
	ReceiveCount          int
	MaxPduSize            uint16
	MaxInfo               int
}

func DefaultConfig() Config {
	return Config{
		Transport:     TransportTCP,
		Host:          DefaultHost,
		Port:          DefaultPort,
		Serial:        base.SerialStreamSettings{BaudRate: DefaultBaudRate, DataBits: 8, Parity: base.SerialNoParity, StopBits: base.SerialOneStopBit},
		ClientAddress: DefaultClient,
		ServerAddress: DefaultServer,
		WaitTime:      DefaultWaitTime,
		ReceiveCount:  DefaultReceiveCount,
		MaxPduSize:    DefaultMaxPduSize,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Transport == "" {
		out.Transport = TransportTCP
	}
	if out.WaitTime <= 0 {
		out.WaitTime = DefaultWaitTime
	}
	if out.ReceiveCount < 1 {
		out.ReceiveCount = DefaultReceiveCount
	}
	if out.MaxPduSize == 0 {
		out.MaxPduSize = DefaultMaxPduSize
	}
	return out
}

// Secured tells whether the session ciphers apdus and so consumes the invocation counter.
func (c *Config) Secured() bool {
	return c.Suite != base.SecuritySuiteNone
}

// Address is the remote end used in logs and errors.
func (c *Config) Address() string {
	if c.Transport == TransportSerial {
		return c.Serial.Port
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks what a session needs before any byte is sent, every problem is listed.
func (c *Config) Validate() error {
	var ce base.ConfigError
	switch c.Transport {
	case TransportTCP, TransportRFC2217, "":
		if c.Host == "" {
			ce.Add("host", "missing")
		}
		if c.Port <= 0 || c.Port > 65535 {
			ce.Add("port", "%d out of range 1..65535", c.Port)
		}
	case TransportSerial:
		if c.Serial.Port == "" {
			ce.Add("serial.port", "missing")
		}
	default:
		ce.Add("transport", "unknown transport %q", c.Transport)
	}
	if c.Authentication == base.AuthenticationLow && c.Password == "" {
		ce.Add("password", "required by low authentication")
	}
	if c.Secured() {
		if len(c.BlockCipherKey) == 0 {
			ce.Add("block_cipher_key", "required by security suite %v", c.Suite)
		}
		if len(c.AuthenticationKey) == 0 {
			ce.Add("authentication_key", "required by security suite %v", c.Suite)
		}
		if len(c.SystemTitle) == 0 {
			ce.Add("system_title", "required by security suite %v", c.Suite)
		}
		if c.InvocationCounterPath == "" {
			ce.Add("invocation_counter_path", "required by security suite %v", c.Suite)
		}
		if c.Security == base.SecurityNone {
			ce.Add("security", "security suite requires security")
		}
	} else if c.Security != base.SecurityNone {
		ce.Add("security_suite", "security requires a security suite")
	}
	if c.Authentication == base.AuthenticationHighGmac && !c.Secured() {
		ce.Add("authentication", "high_gmac requires a security suite")
	}
	return ce.Err()
}

func (c Config) String() string {
	return fmt.Sprintf("%s %s client %d server %d auth %v security %v", c.Transport, c.Address(), c.ClientAddress, c.ServerAddress, c.Authentication, c.Security)
}
