// Package dlmsal encodes and decodes the DLMS/COSEM application layer of a
// client association, including HDLC or wrapper framing, association
// establishment, GMAC authentication, GET/SET services and global ciphering.
//
// A Codec only builds outgoing frames and consumes incoming bytes, moving
// bytes over a stream is left to the caller.
package dlmsal

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/ciphering"
	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/cybroslabs/dlmsgate/hdlc"
	"github.com/cybroslabs/dlmsgate/wrapper"
	"go.uber.org/zap"
)

const (
	DefaultMaxPduRecvSize = 0xffff
	challengeLength       = 16
)

type Settings struct {
	Interface         base.InterfaceType
	ClientAddress     int
	LogicalAddress    int
	PhysicalAddress   int
	AddressSize       int // hdlc server address size, 0 picks the shortest
	MaxInfo           int // hdlc information field length proposal
	Authentication    base.Authentication
	Password          []byte
	Security          base.DlmsSecurity
	Suite             base.SecuritySuite
	BlockCipherKey    []byte
	AuthenticationKey []byte
	SystemTitle       []byte
	ConformanceBlock  uint32
	MaxPduRecvSize    uint16
	Challenge         []byte // client to server challenge, random when empty
}

type expectation byte

const (
	expectNothing expectation = iota
	expectUA
	expectAARE
	expectAuth
	expectGet
	expectSet
	expectRLRE
	expectDisc
)

// Codec keeps the protocol state of one association. It is not thread safe.
type Codec struct {
	settings Settings
	hdlc     *hdlc.Link
	wrapper  *wrapper.Link
	cipher   ciphering.Ciphering
	logger   *zap.SugaredLogger

	expect      expectation
	invokeid    byte
	fc          uint32
	serverfc    uint32
	serverfcset bool
	ctos        []byte
	stoc        []byte
	authpending bool
	maxpdu      int
	conformance uint32

	block        []byte
	blockno      uint32
	blockpending bool
	rrpending    bool
}

func New(settings *Settings) (*Codec, error) {
	c := &Codec{settings: *settings}
	s := &c.settings
	if s.ConformanceBlock == 0 {
		s.ConformanceBlock = base.ConformanceBlockDefault
	}
	if s.MaxPduRecvSize == 0 {
		s.MaxPduRecvSize = DefaultMaxPduRecvSize
	}

	switch s.Interface {
	case base.InterfaceHDLC:
		l, err := hdlc.NewLink(hdlc.Settings{
			ClientAddress:   s.ClientAddress,
			LogicalAddress:  s.LogicalAddress,
			PhysicalAddress: s.PhysicalAddress,
			AddressSize:     s.AddressSize,
			MaxInfoTX:       s.MaxInfo,
			MaxInfoRX:       s.MaxInfo,
		})
		if err != nil {
			return nil, err
		}
		c.hdlc = l
	case base.InterfaceWrapper:
		if s.ClientAddress <= 0 || s.ClientAddress > 0xffff || s.LogicalAddress < 0 || s.LogicalAddress > 0xffff {
			return nil, fmt.Errorf("invalid wrapper addresses %d/%d", s.ClientAddress, s.LogicalAddress)
		}
		c.wrapper = &wrapper.Link{Client: uint16(s.ClientAddress), Server: uint16(s.LogicalAddress)}
	default:
		return nil, fmt.Errorf("unsupported interface type %v", s.Interface)
	}

	if s.Security != base.SecurityNone {
		cr, err := ciphering.New(&ciphering.Settings{
			Suite:             s.Suite,
			EncryptionKey:     s.BlockCipherKey,
			AuthenticationKey: s.AuthenticationKey,
			ClientTitle:       s.SystemTitle,
		})
		if err != nil {
			return nil, err
		}
		c.cipher = cr
	}
	switch s.Authentication {
	case base.AuthenticationNone, base.AuthenticationLow:
	case base.AuthenticationHighGmac:
		if c.cipher == nil {
			return nil, fmt.Errorf("high_gmac authentication needs ciphering")
		}
	default:
		return nil, fmt.Errorf("unsupported authentication %v", s.Authentication)
	}
	c.Reset()
	return c, nil
}

func (c *Codec) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	if c.hdlc != nil {
		c.hdlc.SetLogger(logger)
	}
}

func (c *Codec) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *Codec) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

// Reset drops association and link state, invocation counter is kept.
func (c *Codec) Reset() {
	if c.hdlc != nil {
		l, err := hdlc.NewLink(hdlc.Settings{
			ClientAddress:   c.settings.ClientAddress,
			LogicalAddress:  c.settings.LogicalAddress,
			PhysicalAddress: c.settings.PhysicalAddress,
			AddressSize:     c.settings.AddressSize,
			MaxInfoTX:       c.settings.MaxInfo,
			MaxInfoRX:       c.settings.MaxInfo,
		})
		if err == nil {
			l.SetLogger(c.logger)
			c.hdlc = l
		}
	}
	c.expect = expectNothing
	c.invokeid = 0
	c.serverfc = 0
	c.serverfcset = false
	c.stoc = nil
	c.authpending = false
	c.maxpdu = int(c.settings.MaxPduRecvSize)
	c.conformance = 0
	c.resetblock()
}

func (c *Codec) resetblock() {
	c.block = c.block[:0]
	c.blockno = 0
	c.blockpending = false
	c.rrpending = false
}

func (c *Codec) InvocationCounter() uint32 {
	return c.fc
}

func (c *Codec) SetInvocationCounter(fc uint32) {
	c.fc = fc
}

// Protected tells whether apdus are ciphered, only then the invocation counter moves.
func (c *Codec) Protected() bool {
	return c.cipher != nil
}

func (c *Codec) frame(apdu []byte) ([][]byte, error) {
	if c.hdlc != nil {
		return c.hdlc.Information(apdu)
	}
	f, err := c.wrapper.Wrap(apdu)
	if err != nil {
		return nil, err
	}
	return [][]byte{f}, nil
}

func (c *Codec) request(exp expectation, apdu []byte) (*cosem.Request, error) {
	if len(apdu) > c.maxpdu {
		return nil, fmt.Errorf("apdu of %d bytes exceeds negotiated pdu size %d", len(apdu), c.maxpdu)
	}
	frames, err := c.frame(apdu)
	if err != nil {
		return nil, err
	}
	c.expect = exp
	c.resetblock()
	return &cosem.Request{Frames: frames}, nil
}

// ConnectRequest returns nil when the link needs no connection handshake.
func (c *Codec) ConnectRequest() (*cosem.Request, error) {
	if c.hdlc == nil {
		return nil, nil
	}
	f, err := c.hdlc.SNRM()
	if err != nil {
		return nil, err
	}
	c.expect = expectUA
	return &cosem.Request{Frames: [][]byte{f}}, nil
}

func (c *Codec) ParseConnectResponse(r *cosem.Reply) error {
	f, ok := r.Value.(*hdlc.Frame)
	if !ok {
		return fmt.Errorf("no answer to snrm")
	}
	return c.hdlc.AcceptUA(f)
}

func (c *Codec) AssociationRequest() (*cosem.Request, error) {
	c.authpending = false
	c.stoc = nil
	c.ctos = nil
	if c.settings.Authentication == base.AuthenticationHighGmac {
		c.ctos = slices.Clone(c.settings.Challenge)
		if len(c.ctos) == 0 {
			c.ctos = make([]byte, challengeLength)
			if _, err := rand.Read(c.ctos); err != nil {
				return nil, err
			}
		}
	}
	apdu, err := c.encodeaarq()
	if err != nil {
		return nil, err
	}
	c.maxpdu = int(c.settings.MaxPduRecvSize)
	return c.request(expectAARE, apdu)
}

// ParseAssociationResponse checks the AARE, rejections are association errors.
func (c *Codec) ParseAssociationResponse(r *cosem.Reply) error {
	aare, ok := r.Value.(*AAResponse)
	if !ok {
		return fmt.Errorf("%w: no aare received", base.ErrAssociation)
	}
	if aare.AssociationResult != base.AssociationResultAccepted {
		return fmt.Errorf("%w: %v, diagnostic %v", base.ErrAssociation, aare.AssociationResult, aare.SourceDiagnostic)
	}
	if aare.ServiceError != nil {
		return fmt.Errorf("%w: %w", base.ErrAssociation, aare.ServiceError)
	}
	if aare.ApplicationContextName != c.applicationcontext() {
		return fmt.Errorf("%w: unexpected application context %d", base.ErrAssociation, aare.ApplicationContextName)
	}
	if aare.MaxPduSize > 0 && int(aare.MaxPduSize) < c.maxpdu {
		c.maxpdu = int(aare.MaxPduSize)
	}
	c.conformance = aare.Conformance
	if c.settings.Authentication == base.AuthenticationHighGmac {
		if aare.SourceDiagnostic != base.SourceDiagnosticAuthenticationRequired {
			return fmt.Errorf("%w: expected authentication required, got %v", base.ErrAssociation, aare.SourceDiagnostic)
		}
		if len(aare.StoC) == 0 {
			return fmt.Errorf("%w: server challenge missing", base.ErrAssociation)
		}
		c.stoc = aare.StoC
		c.authpending = true
	}
	c.logf("association accepted, max pdu %d, conformance %06X", c.maxpdu, c.conformance)
	return nil
}

// AuthenticationRequest returns nil when the association needs no further authentication.
func (c *Codec) AuthenticationRequest() (*cosem.Request, error) {
	if !c.authpending {
		return nil, nil
	}
	sc := byte(base.SecurityAuthentication) | c.settings.Suite.ID()
	fc := c.fc
	c.fc++
	tag, err := c.cipher.Hash(sc, fc, c.stoc)
	if err != nil {
		return nil, err
	}
	value := make([]byte, 0, 5+len(tag))
	value = append(value, sc)
	value = binary.BigEndian.AppendUint32(value, fc)
	value = append(value, tag...)

	d := DlmsData{Tag: TagOctetString, Value: value}
	apdu, err := c.encodeaction(cosem.ObjectTypeAssociationLN.ClassID(), associationObis, 1, &d)
	if err != nil {
		return nil, err
	}
	p, err := c.protect(base.TagActionRequest, apdu)
	if err != nil {
		return nil, err
	}
	return c.request(expectAuth, p)
}

func (c *Codec) ParseAuthenticationResponse(r *cosem.Reply) error {
	res, ok := r.Value.(*dataResult)
	if !ok {
		return fmt.Errorf("%w: no authentication response", base.ErrAssociation)
	}
	if res.result != base.TagResultSuccess {
		return fmt.Errorf("%w: authentication refused, %v", base.ErrAssociation, res.result)
	}
	value, ok := res.data.Value.([]byte)
	if !ok || len(value) != 5+ciphering.GCM_TAG_LENGTH {
		return fmt.Errorf("%w: invalid server authentication value", base.ErrAssociation)
	}
	ok, err := c.cipher.Verify(value[0], binary.BigEndian.Uint32(value[1:5]), c.ctos, value[5:])
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrAssociation, err)
	}
	if !ok {
		return fmt.Errorf("%w: server failed to authenticate", base.ErrAssociation)
	}
	c.authpending = false
	c.logf("server authenticated")
	return nil
}

func (c *Codec) ReadRequest(obj cosem.Object) (*cosem.Request, error) {
	p, err := c.protect(base.TagGetRequest, c.encodeget(obj))
	if err != nil {
		return nil, err
	}
	return c.request(expectGet, p)
}

// ParseReadResponse returns the attribute value as a plain go value.
func (c *Codec) ParseReadResponse(obj cosem.Object, r *cosem.Reply) (any, error) {
	res, ok := r.Value.(*dataResult)
	if !ok {
		return nil, fmt.Errorf("no get response")
	}
	if res.result != base.TagResultSuccess {
		return nil, &DataAccessError{Result: res.result}
	}
	v := res.data.Native()
	if obj.Type == cosem.ObjectTypeClock && obj.Attribute == 2 {
		if b, ok := v.([]byte); ok {
			dt, err := cosem.DateTimeFromSlice(b)
			if err != nil {
				return nil, err
			}
			t, err := dt.ToTime()
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	return v, nil
}

func (c *Codec) WriteRequest(obj cosem.Object, value any) (*cosem.Request, error) {
	d, err := NewData(value)
	if err != nil {
		return nil, err
	}
	apdu, err := c.encodeset(obj, &d)
	if err != nil {
		return nil, err
	}
	p, err := c.protect(base.TagSetRequest, apdu)
	if err != nil {
		return nil, err
	}
	return c.request(expectSet, p)
}

func (c *Codec) ParseWriteResponse(r *cosem.Reply) error {
	res, ok := r.Value.(*dataResult)
	if !ok {
		return fmt.Errorf("no set response")
	}
	if res.result != base.TagResultSuccess {
		return &DataAccessError{Result: res.result}
	}
	return nil
}

// ReleaseRequest may stay unanswered, many meters drop the association silently.
func (c *Codec) ReleaseRequest() (*cosem.Request, error) {
	req, err := c.request(expectRLRE, encoderlrq())
	if err != nil {
		return nil, err
	}
	req.NoReply = true
	return req, nil
}

// DisconnectRequest returns nil when the link has no disconnect.
func (c *Codec) DisconnectRequest() (*cosem.Request, error) {
	if c.hdlc == nil {
		return nil, nil
	}
	f, err := c.hdlc.DISC()
	if err != nil {
		return nil, err
	}
	c.expect = expectDisc
	return &cosem.Request{Frames: [][]byte{f}, NoReply: true}, nil
}

func (c *Codec) ParseDisconnectResponse(r *cosem.Reply) error {
	f, ok := r.Value.(*hdlc.Frame)
	if !ok {
		return nil
	}
	return c.hdlc.AcceptDisconnect(f)
}

// GetData consumes one received chunk. It sets r.More to MoreDataFrame while
// a frame is incomplete, to MoreDataBlock when ReceiverReady has to be sent
// and to MoreDataNone with r.Value holding the decoded answer.
func (c *Codec) GetData(chunk []byte, r *cosem.Reply) error {
	r.Pending = append(r.Pending, chunk...)
	if c.hdlc != nil {
		return c.hdlcdata(r)
	}
	return c.wrapperdata(r)
}

func (c *Codec) hdlcdata(r *cosem.Reply) error {
	for {
		f, n, err := hdlc.Decode(r.Pending)
		r.Pending = r.Pending[n:]
		switch {
		case errors.Is(err, hdlc.ErrIncomplete):
			r.More = cosem.MoreDataFrame
			return nil
		case errors.Is(err, hdlc.ErrInvalidFrame):
			c.dlogf("skipping invalid hdlc data: %v", err)
			continue
		case err != nil:
			return err
		}
		r.Frames++
		if c.expect == expectUA || c.expect == expectDisc {
			r.Value = f
			r.More = cosem.MoreDataNone
			return nil
		}
		if err := c.hdlc.Accept(f); err != nil {
			return err
		}
		if f.IsReceiverReady() { // acknowledges one segment of our request
			r.More = cosem.MoreDataNone
			return nil
		}
		if !f.IsInformation() {
			c.dlogf("ignoring hdlc frame, control %02X", f.Control)
			continue
		}
		r.Data = append(r.Data, f.Info...)
		if f.Segmented {
			c.rrpending = true
			r.More = cosem.MoreDataBlock
			return nil
		}
		apdu, err := hdlc.StripLLC(r.Data)
		if err != nil {
			return err
		}
		apdu = slices.Clone(apdu)
		r.Data = r.Data[:0]
		return c.apdu(apdu, r)
	}
}

func (c *Codec) wrapperdata(r *cosem.Reply) error {
	f, n, err := wrapper.Decode(r.Pending)
	if errors.Is(err, wrapper.ErrIncomplete) {
		r.More = cosem.MoreDataFrame
		return nil
	}
	if err != nil {
		return err
	}
	r.Pending = r.Pending[n:]
	r.Frames++
	if err := c.wrapper.Accept(f); err != nil {
		return err
	}
	return c.apdu(f.Payload, r)
}

func (c *Codec) apdu(apdu []byte, r *cosem.Reply) error {
	if len(apdu) == 0 {
		return fmt.Errorf("empty apdu received")
	}
	r.More = cosem.MoreDataNone
	switch c.expect {
	case expectAARE:
		aare, err := c.decodeaare(apdu)
		if err != nil {
			return err
		}
		r.Value = aare
		return nil
	case expectRLRE:
		if base.CosemTag(apdu[0]) != base.TagRLRE {
			return fmt.Errorf("expected rlre, got tag %02X", apdu[0])
		}
		r.Value = nil
		return nil
	}

	plain, err := c.unprotect(apdu)
	if err != nil {
		return err
	}
	if len(plain) == 0 {
		return fmt.Errorf("empty apdu received")
	}
	if base.CosemTag(plain[0]) == base.TagExceptionResponse {
		return decodeexception(plain)
	}
	var res *dataResult
	switch c.expect {
	case expectGet:
		res, err = c.parseget(plain)
		if err == nil && res == nil {
			c.blockpending = true
			r.More = cosem.MoreDataBlock
			return nil
		}
	case expectSet:
		res, err = c.parseset(plain)
	case expectAuth:
		res, err = c.parseaction(plain)
	default:
		return fmt.Errorf("unexpected apdu %02X", plain[0])
	}
	if err != nil {
		return err
	}
	r.Value = res
	return nil
}

// ReceiverReady returns the frame asking the meter for the next part of its answer.
func (c *Codec) ReceiverReady(r *cosem.Reply) ([]byte, error) {
	switch {
	case c.rrpending:
		c.rrpending = false
		return c.hdlc.ReceiverReady()
	case c.blockpending:
		c.blockpending = false
		p, err := c.protect(base.TagGetRequest, c.encodegetnext())
		if err != nil {
			return nil, err
		}
		frames, err := c.frame(p)
		if err != nil {
			return nil, err
		}
		if len(frames) != 1 {
			return nil, fmt.Errorf("next block request does not fit one frame")
		}
		return frames[0], nil
	}
	return nil, fmt.Errorf("nothing pending to request")
}
