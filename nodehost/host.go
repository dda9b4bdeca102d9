package nodehost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cybroslabs/dlmsgate/mapping"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultNamespaceURI = "http://bluegate.com/ua"
	DefaultListen       = ":8080"
)

type Config struct {
	NamespaceURI  string
	Listen        string // empty disables the http surface
	BaseAddresses []string
	MQTT          MQTTConfig // empty broker disables the bridge
	UA            UAConfig
}

// Host is the address space together with the surfaces exposing it.
type Host interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Rebuild(s *mapping.Snapshot)
	Publish(node string, value any, ts time.Time)
	Space() *AddressSpace
}

type host struct {
	cfg    Config
	space  *AddressSpace
	writer Writer
	status func() any
	logger *zap.SugaredLogger

	mu     sync.Mutex
	server *http.Server
	bridge *MQTTBridge
	ua     *UAServer
	mqttc  func(MQTTConfig, mqtt.OnConnectHandler, *zap.SugaredLogger) mqtt.Client
}

type HostOption func(*host)

// WithStatus sets what GET /status reports for the engine.
func WithStatus(fn func() any) HostOption {
	return func(h *host) {
		h.status = fn
	}
}

func WithHostLogger(logger *zap.SugaredLogger) HostOption {
	return func(h *host) {
		h.logger = logger
	}
}

// WithMQTTClient replaces the paho client factory.
func WithMQTTClient(fn func(MQTTConfig, mqtt.OnConnectHandler, *zap.SugaredLogger) mqtt.Client) HostOption {
	return func(h *host) {
		h.mqttc = fn
	}
}

func New(cfg Config, writer Writer, opts ...HostOption) Host {
	if cfg.NamespaceURI == "" {
		cfg.NamespaceURI = DefaultNamespaceURI
	}
	h := &host{cfg: cfg, writer: writer, mqttc: NewMQTTClient}
	for _, o := range opts {
		o(h)
	}
	h.space = NewAddressSpace(cfg.NamespaceURI)
	h.space.SetLogger(h.logger)
	if cfg.UA.Port != 0 {
		h.ua = NewUAServer(cfg.UA, h.space, writer, h.logger)
	}
	return h
}

func (h *host) Space() *AddressSpace {
	return h.space
}

func (h *host) Rebuild(s *mapping.Snapshot) {
	h.space.Rebuild(s)
	if h.ua != nil {
		h.ua.Sync()
	}
}

func (h *host) Publish(node string, value any, ts time.Time) {
	h.space.Publish(node, value, ts)
}

func (h *host) logf(format string, v ...any) {
	if h.logger != nil {
		h.logger.Infof(format, v...)
	}
}

func (h *host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, a := range h.cfg.BaseAddresses {
		h.logf("address space %s announced at %s", h.cfg.NamespaceURI, a)
	}

	if h.cfg.Listen != "" {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", h.cfg.Listen)
		if err != nil {
			return fmt.Errorf("node host listen %s: %w", h.cfg.Listen, err)
		}
		h.server = &http.Server{
			Handler:           NewHTTPHandler(h.space, h.writer, h.status, h.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func(s *http.Server) {
			if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && h.logger != nil {
				h.logger.Errorw("http surface stopped", "error", err)
			}
		}(h.server)
		h.logf("http surface listening on %s", l.Addr())
	}

	if h.ua != nil {
		if err := h.ua.Start(ctx); err != nil {
			return multierr.Append(err, h.stophttp(ctx))
		}
	}

	if h.cfg.MQTT.Broker != "" {
		var bridge *MQTTBridge
		client := h.mqttc(h.cfg.MQTT, func(mqtt.Client) {
			if err := bridge.Subscribe(); err != nil && h.logger != nil {
				h.logger.Warnw("mqtt subscribe failed", "error", err)
			}
		}, h.logger)
		bridge, err := NewMQTTBridge(client, h.cfg.MQTT, h.writer, h.logger)
		if err != nil {
			return multierr.Combine(err, h.stophttp(ctx), h.stopua())
		}
		if err := bridge.Connect(); err != nil {
			return multierr.Combine(err, h.stophttp(ctx), h.stopua())
		}
		h.bridge = bridge
		h.space.OnUpdate(bridge.Publish)
		h.logf("mqtt bridge connected to %s", h.cfg.MQTT.Broker)
	}
	return nil
}

func (h *host) stophttp(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	err := h.server.Shutdown(ctx)
	h.server = nil
	return err
}

func (h *host) stopua() error {
	if h.ua == nil {
		return nil
	}
	return h.ua.Stop()
}

func (h *host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := multierr.Append(h.stophttp(ctx), h.stopua())
	if h.bridge != nil {
		h.bridge.Disconnect()
		h.bridge = nil
	}
	h.logf("node host stopped")
	return err
}
