package session

import (
	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/cybroslabs/dlmsgate/counter"
	"github.com/cybroslabs/dlmsgate/dlmsal"
	"go.uber.org/zap"
)

// Codec turns logical operations into frames and received bytes into answers.
// Build methods returning a nil request mean the step is skipped.
type Codec interface {
	ConnectRequest() (*cosem.Request, error)
	ParseConnectResponse(r *cosem.Reply) error
	AssociationRequest() (*cosem.Request, error)
	ParseAssociationResponse(r *cosem.Reply) error
	AuthenticationRequest() (*cosem.Request, error)
	ParseAuthenticationResponse(r *cosem.Reply) error
	ReadRequest(obj cosem.Object) (*cosem.Request, error)
	ParseReadResponse(obj cosem.Object, r *cosem.Reply) (any, error)
	WriteRequest(obj cosem.Object, value any) (*cosem.Request, error)
	ParseWriteResponse(r *cosem.Reply) error
	ReleaseRequest() (*cosem.Request, error)
	DisconnectRequest() (*cosem.Request, error)
	ParseDisconnectResponse(r *cosem.Reply) error
	GetData(chunk []byte, r *cosem.Reply) error
	ReceiverReady(r *cosem.Reply) ([]byte, error)
	InvocationCounter() uint32
	SetInvocationCounter(fc uint32)
	Reset()
}

var _ Codec = (*dlmsal.Codec)(nil)

type options struct {
	stream  base.Stream
	codec   Codec
	counter counter.Store
	logger  *zap.SugaredLogger
}

type Option func(*options)

// WithStream replaces the transport built from the configuration.
func WithStream(s base.Stream) Option {
	return func(o *options) {
		o.stream = s
	}
}

// WithCodec replaces the dlmsal codec built from the configuration.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithCounter replaces the file counter at the configured path.
func WithCounter(c counter.Store) Option {
	return func(o *options) {
		o.counter = c
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newCodec(cfg *Config, logger *zap.SugaredLogger) (Codec, error) {
	c, err := dlmsal.New(&dlmsal.Settings{
		Interface:         cfg.Interface,
		ClientAddress:     cfg.ClientAddress,
		LogicalAddress:    cfg.ServerAddress,
		PhysicalAddress:   cfg.PhysicalAddress,
		AddressSize:       cfg.AddressSize,
		MaxInfo:           cfg.MaxInfo,
		Authentication:    cfg.Authentication,
		Password:          []byte(cfg.Password),
		Security:          cfg.Security,
		Suite:             cfg.Suite,
		BlockCipherKey:    cfg.BlockCipherKey,
		AuthenticationKey: cfg.AuthenticationKey,
		SystemTitle:       cfg.SystemTitle,
		MaxPduRecvSize:    cfg.MaxPduSize,
	})
	if err != nil {
		return nil, err
	}
	c.SetLogger(logger)
	return c, nil
}
