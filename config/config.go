// Package config reads the gateway configuration from a YAML or TOML file,
// applies .env and DLMSGATE_* environment overrides and validates it.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/engine"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/nodehost"
	"github.com/cybroslabs/dlmsgate/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

const EnvPrefix = "DLMSGATE_"

// Duration reads "5s" style text.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Log struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

type Serial struct {
	Port     string `yaml:"port" toml:"port"`
	Baud     int    `yaml:"baud" toml:"baud"`
	DataBits int    `yaml:"data_bits" toml:"data_bits"`
	Parity   string `yaml:"parity" toml:"parity"`
	StopBits int    `yaml:"stop_bits" toml:"stop_bits"`
}

type Device struct {
	Transport             string   `yaml:"transport" toml:"transport"`
	Host                  string   `yaml:"host" toml:"host"`
	Port                  int      `yaml:"port" toml:"port"`
	Serial                Serial   `yaml:"serial" toml:"serial"`
	Interface             string   `yaml:"interface" toml:"interface"`
	ClientAddress         int      `yaml:"client_address" toml:"client_address"`
	ServerAddress         int      `yaml:"server_address" toml:"server_address"`
	PhysicalAddress       int      `yaml:"physical_address" toml:"physical_address"`
	AddressSize           int      `yaml:"address_size" toml:"address_size"`
	Authentication        string   `yaml:"authentication" toml:"authentication"`
	Password              string   `yaml:"password" toml:"password"`
	Security              string   `yaml:"security" toml:"security"`
	SecuritySuite         string   `yaml:"security_suite" toml:"security_suite"`
	BlockCipherKey        string   `yaml:"block_cipher_key" toml:"block_cipher_key"`
	AuthenticationKey     string   `yaml:"authentication_key" toml:"authentication_key"`
	SystemTitle           string   `yaml:"system_title" toml:"system_title"`
	InvocationCounterPath string   `yaml:"invocation_counter_path" toml:"invocation_counter_path"`
	WaitTime              Duration `yaml:"wait_time" toml:"wait_time"`
	ReceiveCount          int      `yaml:"receive_count" toml:"receive_count"`
	MaxPduSize            int      `yaml:"max_pdu_size" toml:"max_pdu_size"`
}

type Engine struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	Cooldown     Duration `yaml:"cooldown" toml:"cooldown"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type MQTT struct {
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
	Encoding    string `yaml:"encoding" toml:"encoding"`
}

type OPCUA struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"` // 0 disables opc ua
}

type NodeHost struct {
	NamespaceURI  string   `yaml:"namespace_uri" toml:"namespace_uri"`
	Listen        *string  `yaml:"listen" toml:"listen"` // nil means the default, empty disables http
	BaseAddresses []string `yaml:"base_addresses" toml:"base_addresses"`
	OPCUA         OPCUA    `yaml:"opcua" toml:"opcua"`
	MQTT          MQTT     `yaml:"mqtt" toml:"mqtt"`
}

// File is the whole configuration file.
type File struct {
	Log      Log                  `yaml:"log" toml:"log"`
	Device   Device               `yaml:"device" toml:"device"`
	Engine   Engine               `yaml:"engine" toml:"engine"`
	NodeHost NodeHost             `yaml:"nodehost" toml:"nodehost"`
	Profiles []mapping.RawProfile `yaml:"profiles" toml:"profiles"`
}

// Default holds the settings of a file that sets nothing.
func Default() *File {
	return &File{
		Log: Log{Level: "info"},
		Device: Device{
			Transport:      string(session.TransportTCP),
			Host:           session.DefaultHost,
			Port:           session.DefaultPort,
			Serial:         Serial{Baud: session.DefaultBaudRate, DataBits: 8, Parity: "none", StopBits: 1},
			Interface:      base.InterfaceHDLC.String(),
			ClientAddress:  session.DefaultClient,
			ServerAddress:  session.DefaultServer,
			Authentication: base.AuthenticationNone.String(),
			Security:       base.SecurityNone.String(),
			SecuritySuite:  base.SecuritySuiteNone.String(),
			WaitTime:       Duration{session.DefaultWaitTime},
			ReceiveCount:   session.DefaultReceiveCount,
			MaxPduSize:     session.DefaultMaxPduSize,
		},
		Engine: Engine{
			PollInterval: Duration{engine.DefaultPollInterval},
			Cooldown:     Duration{engine.DefaultCooldown},
			WriteTimeout: Duration{engine.DefaultWriteTimeout},
		},
		NodeHost: NodeHost{
			NamespaceURI: nodehost.DefaultNamespaceURI,
			OPCUA:        OPCUA{Host: nodehost.DefaultUAHost, Port: nodehost.DefaultUAPort},
			MQTT:         MQTT{ClientID: "dlmsgate", TopicPrefix: nodehost.DefaultTopicPrefix, Encoding: "json"},
		},
	}
}

// Load reads path over the defaults. envfiles are loaded into the process
// environment first, a missing one is skipped; without envfiles .env is tried.
func Load(path string, envfiles ...string) (*File, error) {
	for _, e := range envfiles {
		if err := loadEnv(e); err != nil {
			return nil, err
		}
	}
	if len(envfiles) == 0 {
		if err := loadEnv(".env"); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	f := Default()
	if err := decode(path, data, f); err != nil {
		return nil, err
	}
	if err := f.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return f, nil
}

func loadEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}

func decode(path string, data []byte, f *File) error {
	var ce base.ConfigError
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		d := yaml.NewDecoder(bytes.NewReader(data))
		d.KnownFields(true)
		if err := d.Decode(f); err != nil && !errors.Is(err, io.EOF) {
			ce.Add(path, "%v", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), f)
		if err != nil {
			ce.Add(path, "%v", err)
			break
		}
		for _, k := range meta.Undecoded() {
			ce.Add(k.String(), "unknown setting")
		}
	default:
		ce.Add(path, "unsupported config format %q, use .yaml, .yml or .toml", ext)
	}
	return ce.Err()
}

type lookup func(key string) (string, bool)

// applyEnv overrides the settings deployments usually keep out of the file.
func (f *File) applyEnv(env lookup) error {
	var ce base.ConfigError
	str := func(key string, dst *string) {
		if v, ok := env(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("HOST", &f.Device.Host)
	if v, ok := env(EnvPrefix + "PORT"); ok && v != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			ce.Add(EnvPrefix+"PORT", "%q is not a port", v)
		} else {
			f.Device.Port = p
		}
	}
	str("PASSWORD", &f.Device.Password)
	str("BLOCK_CIPHER_KEY", &f.Device.BlockCipherKey)
	str("AUTHENTICATION_KEY", &f.Device.AuthenticationKey)
	str("SYSTEM_TITLE", &f.Device.SystemTitle)
	str("INVOCATION_COUNTER_PATH", &f.Device.InvocationCounterPath)
	str("MQTT_BROKER", &f.NodeHost.MQTT.Broker)
	return ce.Err()
}

func parity(s string) (base.SerialParity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return base.SerialNoParity, nil
	case "odd", "o":
		return base.SerialOddParity, nil
	case "even", "e":
		return base.SerialEvenParity, nil
	}
	return base.SerialNoParity, fmt.Errorf("unknown parity %q", s)
}

func unhex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// SessionConfig converts the device section, call Validate first.
func (f *File) SessionConfig() (session.Config, error) {
	d := &f.Device
	cfg := session.Config{
		Transport:             session.TransportKind(strings.ToLower(strings.TrimSpace(d.Transport))),
		Host:                  strings.TrimSpace(d.Host),
		Port:                  d.Port,
		ClientAddress:         d.ClientAddress,
		ServerAddress:         d.ServerAddress,
		PhysicalAddress:       d.PhysicalAddress,
		AddressSize:           d.AddressSize,
		Password:              d.Password,
		InvocationCounterPath: d.InvocationCounterPath,
		WaitTime:              d.WaitTime.Duration,
		ReceiveCount:          d.ReceiveCount,
		MaxPduSize:            uint16(d.MaxPduSize),
		Serial: base.SerialStreamSettings{
			Port:     d.Serial.Port,
			BaudRate: d.Serial.Baud,
			DataBits: byte(d.Serial.DataBits),
			StopBits: base.SerialStopBits(d.Serial.StopBits),
		},
	}
	var err error
	if cfg.Interface, err = base.ParseInterfaceType(d.Interface); err != nil {
		return cfg, err
	}
	if cfg.Authentication, err = base.ParseAuthentication(d.Authentication); err != nil {
		return cfg, err
	}
	if cfg.Security, err = base.ParseSecurity(d.Security); err != nil {
		return cfg, err
	}
	if cfg.Suite, err = base.ParseSecuritySuite(d.SecuritySuite); err != nil {
		return cfg, err
	}
	if cfg.Serial.Parity, err = parity(d.Serial.Parity); err != nil {
		return cfg, err
	}
	if cfg.BlockCipherKey, err = unhex(d.BlockCipherKey); err != nil {
		return cfg, fmt.Errorf("block_cipher_key: %w", err)
	}
	if cfg.AuthenticationKey, err = unhex(d.AuthenticationKey); err != nil {
		return cfg, fmt.Errorf("authentication_key: %w", err)
	}
	if cfg.SystemTitle, err = unhex(d.SystemTitle); err != nil {
		return cfg, fmt.Errorf("system_title: %w", err)
	}
	return cfg, nil
}

func (f *File) EngineConfig() engine.Config {
	return engine.Config{
		PollInterval: f.Engine.PollInterval.Duration,
		Cooldown:     f.Engine.Cooldown.Duration,
		WriteTimeout: f.Engine.WriteTimeout.Duration,
	}
}

func (f *File) NodeHostConfig() nodehost.Config {
	m := &f.NodeHost.MQTT
	return nodehost.Config{
		NamespaceURI:  f.NodeHost.NamespaceURI,
		Listen:        ptr.Deref(f.NodeHost.Listen, nodehost.DefaultListen),
		BaseAddresses: f.NodeHost.BaseAddresses,
		MQTT: nodehost.MQTTConfig{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS),
			Encoding:    m.Encoding,
		},
		UA: nodehost.UAConfig{Host: f.NodeHost.OPCUA.Host, Port: f.NodeHost.OPCUA.Port},
	}
}
