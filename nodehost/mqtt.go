package nodehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

const (
	DefaultTopicPrefix = "dlmsgate"
	mqttWaitTimeout    = 10 * time.Second
	mqttDisconnectMs   = 250
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Encoding    string // json or cbor
}

// payload encodes every message the bridge sends and decodes write requests.
type payload interface {
	marshal(v any) ([]byte, error)
	unmarshal(b []byte, v any) error
}

type jsonPayload struct{}

func (jsonPayload) marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonPayload) unmarshal(b []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	return d.Decode(v)
}

type cborPayload struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCborPayload() (payload, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborPayload{enc: enc, dec: dec}, nil
}

func (c cborPayload) marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborPayload) unmarshal(b []byte, v any) error { return c.dec.Unmarshal(b, v) }

type updateMessage struct {
	Node       string    `json:"node" cbor:"node"`
	Name       string    `json:"name" cbor:"name"`
	Obis       string    `json:"obis,omitempty" cbor:"obis,omitempty"`
	Value      any       `json:"value" cbor:"value"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
	Status     uint32    `json:"status" cbor:"status"`
	StatusText string    `json:"status_text" cbor:"status_text"`
}

type setMessage struct {
	Value any `json:"value" cbor:"value"`
}

type resultMessage struct {
	ID         string `json:"id" cbor:"id"`
	Node       string `json:"node" cbor:"node"`
	Status     uint32 `json:"status" cbor:"status"`
	StatusText string `json:"status_text" cbor:"status_text"`
	Error      string `json:"error,omitempty" cbor:"error,omitempty"`
}

// MQTTBridge mirrors node updates to <prefix>/nodes/<id> and accepts writes
// on <prefix>/nodes/<id>/set, answered on <prefix>/nodes/<id>/result.
type MQTTBridge struct {
	client  mqtt.Client
	cfg     MQTTConfig
	payload payload
	writer  Writer
	logger  *zap.SugaredLogger
}

// NewMQTTClient builds the paho client for cfg, onconnect runs after every (re)connect.
func NewMQTTClient(cfg MQTTConfig, onconnect mqtt.OnConnectHandler, logger *zap.SugaredLogger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(onconnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warnw("mqtt connection lost", "broker", cfg.Broker, "error", err)
		}
	})
	return mqtt.NewClient(opts)
}

func NewMQTTBridge(client mqtt.Client, cfg MQTTConfig, writer Writer, logger *zap.SugaredLogger) (*MQTTBridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	b := &MQTTBridge{client: client, cfg: cfg, writer: writer, logger: logger}
	switch strings.ToLower(cfg.Encoding) {
	case "", "json":
		b.payload = jsonPayload{}
	case "cbor":
		p, err := newCborPayload()
		if err != nil {
			return nil, err
		}
		b.payload = p
	default:
		return nil, fmt.Errorf("unknown mqtt encoding %q", cfg.Encoding)
	}
	return b, nil
}

func (b *MQTTBridge) nodesTopic() string {
	return b.cfg.TopicPrefix + "/nodes/"
}

func (b *MQTTBridge) wait(t mqtt.Token, what string) error {
	if !t.WaitTimeout(mqttWaitTimeout) {
		return fmt.Errorf("mqtt %s: no answer within %v", what, mqttWaitTimeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", what, err)
	}
	return nil
}

// Connect connects the client unless already connected.
func (b *MQTTBridge) Connect() error {
	if b.client.IsConnected() {
		return nil
	}
	return b.wait(b.client.Connect(), "connect "+b.cfg.Broker)
}

// Subscribe listens for write requests, call it from the on-connect handler.
func (b *MQTTBridge) Subscribe() error {
	return b.wait(b.client.Subscribe(b.nodesTopic()+"#", b.cfg.QoS, b.handle), "subscribe")
}

func (b *MQTTBridge) Disconnect() {
	b.client.Disconnect(mqttDisconnectMs)
}

// Publish sends one node update, errors are logged.
func (b *MQTTBridge) Publish(n Node) {
	if !b.client.IsConnected() {
		return
	}
	msg := updateMessage{
		Node:       n.ID,
		Name:       n.Name,
		Obis:       n.Obis,
		Value:      n.Value,
		Timestamp:  n.Timestamp,
		Status:     uint32(n.Status),
		StatusText: statusText(n.Status),
	}
	b.send(b.nodesTopic()+n.ID, msg)
}

func (b *MQTTBridge) send(topic string, v any) {
	data, err := b.payload.marshal(v)
	if err != nil {
		b.warn("mqtt payload not encodable", topic, err)
		return
	}
	t := b.client.Publish(topic, b.cfg.QoS, false, data)
	go func() {
		if err := b.wait(t, "publish"); err != nil {
			b.warn("mqtt publish failed", topic, err)
		}
	}()
}

func (b *MQTTBridge) warn(msg string, topic string, err error) {
	if b.logger != nil {
		b.logger.Warnw(msg, "topic", topic, "error", err)
	}
}

func (b *MQTTBridge) handle(_ mqtt.Client, m mqtt.Message) {
	rest, ok := strings.CutPrefix(m.Topic(), b.nodesTopic())
	if !ok {
		return
	}
	node, ok := strings.CutSuffix(rest, "/set")
	if !ok || node == "" {
		return
	}
	var req setMessage
	if err := b.payload.unmarshal(m.Payload(), &req); err != nil || req.Value == nil {
		if err == nil {
			err = fmt.Errorf("value missing")
		}
		b.warn("mqtt write request not decodable", m.Topic(), err)
		return
	}
	if b.writer == nil {
		return
	}
	// paho delivers messages in order from one goroutine, waiting here would stall it
	go b.write(node, req.Value)
}

func (b *MQTTBridge) write(node string, value any) {
	p := b.writer.HandleWrite(lookupid(node), value)
	o := p.Wait(context.Background())
	r := result(p.ID(), node, o)
	b.send(b.nodesTopic()+node+"/result", resultMessage(r))
}
