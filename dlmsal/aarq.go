package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cybroslabs/dlmsgate/base"
)

const (
	PduTypeApplicationContextName     = 1
	PduTypeCallingAPTitle             = 6
	PduTypeSenderAcseRequirements     = 10
	PduTypeMechanismName              = 11
	PduTypeCallingAuthenticationValue = 12
	PduTypeUserInformation            = 30
)

const (
	BERTypeContext     = 0x80
	BERTypeApplication = 0x40
	BERTypeConstructed = 0x20
)

var contextNamePrefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
var mechanismNamePrefix = []byte{0x60, 0x85, 0x74, 0x05, 0x08, 0x02}

type ConfirmedServiceError struct {
	Service      byte
	ServiceError byte
	Value        byte
}

func (e *ConfirmedServiceError) Error() string {
	return fmt.Sprintf("confirmed service error %d, service error %d, value %d", e.Service, e.ServiceError, e.Value)
}

// AAResponse is the decoded AARE.
type AAResponse struct {
	ApplicationContextName base.ApplicationContext
	AssociationResult      base.AssociationResult
	SourceDiagnostic       base.SourceDiagnostic
	SystemTitle            []byte
	StoC                   []byte
	Conformance            uint32
	MaxPduSize             uint16
	ServiceError           *ConfirmedServiceError
}

func (c *Codec) applicationcontext() base.ApplicationContext {
	if c.cipher != nil {
		return base.ApplicationContextLNCiphering
	}
	return base.ApplicationContextLNNoCiphering
}

func (c *Codec) encodeinitiate() []byte {
	s := &c.settings
	x := []byte{byte(base.TagInitiateRequest), 0x00, 0x00, 0x00, base.DlmsVersion, 0x5f, 0x1f, 0x04}
	x = binary.BigEndian.AppendUint32(x, s.ConformanceBlock&0xffffff)
	return binary.BigEndian.AppendUint16(x, s.MaxPduRecvSize)
}

func (c *Codec) encodeaarq() ([]byte, error) {
	s := &c.settings
	var content bytes.Buffer

	content.WriteByte(BERTypeContext | BERTypeConstructed | PduTypeApplicationContextName)
	content.WriteByte(0x09)
	content.Write(contextNamePrefix)
	content.WriteByte(byte(c.applicationcontext()))

	if c.cipher != nil {
		encodetag2(&content, BERTypeContext|BERTypeConstructed|PduTypeCallingAPTitle, 0x04, c.cipher.ClientTitle())
	}
	if s.Authentication != base.AuthenticationNone {
		encodetag(&content, BERTypeContext|PduTypeSenderAcseRequirements, []byte{0x07, 0x80})
		content.WriteByte(BERTypeContext | PduTypeMechanismName)
		content.WriteByte(0x07)
		content.Write(mechanismNamePrefix)
		content.WriteByte(byte(s.Authentication))
		value := s.Password
		if s.Authentication == base.AuthenticationHighGmac {
			value = c.ctos
		}
		encodetag2(&content, BERTypeContext|BERTypeConstructed|PduTypeCallingAuthenticationValue, 0x80, value)
	}

	xdlms, err := c.protect(base.TagInitiateRequest, c.encodeinitiate())
	if err != nil {
		return nil, err
	}
	encodetag2(&content, BERTypeContext|BERTypeConstructed|PduTypeUserInformation, 0x04, xdlms)

	var out bytes.Buffer
	encodetag(&out, byte(base.TagAARQ), content.Bytes())
	return out.Bytes(), nil
}

// decodetag reads one BER tag and returns it, the total consumed length and its content.
func decodetag(src []byte) (byte, int, []byte, error) {
	r := reader{b: src}
	t, err := r.byte1()
	if err != nil {
		return 0, 0, nil, err
	}
	l, err := r.length()
	if err != nil {
		return 0, 0, nil, err
	}
	d, err := r.take(l)
	if err != nil {
		return 0, 0, nil, err
	}
	return t, r.p, d, nil
}

func (c *Codec) decodeaare(apdu []byte) (*AAResponse, error) {
	t, _, content, err := decodetag(apdu)
	if err != nil {
		return nil, fmt.Errorf("invalid aare: %w", err)
	}
	if t != byte(base.TagAARE) {
		return nil, fmt.Errorf("expected aare, got tag %02X", t)
	}
	out := &AAResponse{}
	for len(content) > 0 {
		tag, n, d, err := decodetag(content)
		if err != nil {
			return nil, fmt.Errorf("invalid aare: %w", err)
		}
		content = content[n:]
		switch tag {
		case 0xa1:
			if len(d) != 9 || !bytes.Equal(d[:8], contextNamePrefix) {
				return nil, fmt.Errorf("invalid A1 tag content")
			}
			out.ApplicationContextName = base.ApplicationContext(d[8])
		case 0xa2:
			if len(d) != 3 || d[0] != 0x02 || d[1] != 0x01 {
				return nil, fmt.Errorf("invalid A2 tag content")
			}
			out.AssociationResult = base.AssociationResult(d[2])
		case 0xa3:
			if len(d) != 5 || (d[0] != 0xa1 && d[0] != 0xa2) || !bytes.Equal(d[1:4], []byte{0x03, 0x02, 0x01}) {
				return nil, fmt.Errorf("invalid A3 tag content")
			}
			out.SourceDiagnostic = base.SourceDiagnostic(d[4])
		case 0xa4:
			st, _, title, err := decodetag(d)
			if err != nil || st != 0x04 {
				return nil, fmt.Errorf("invalid A4 tag content")
			}
			out.SystemTitle = slices.Clone(title)
			if c.cipher != nil {
				if err := c.cipher.Setup(out.SystemTitle); err != nil {
					return nil, err
				}
			}
		case 0xaa:
			st, _, stoc, err := decodetag(d)
			if err != nil || st != 0x80 {
				return nil, fmt.Errorf("invalid AA tag content")
			}
			out.StoC = slices.Clone(stoc)
		case 0xbe:
			st, _, ui, err := decodetag(d)
			if err != nil || st != 0x04 || len(ui) == 0 {
				return nil, fmt.Errorf("invalid BE tag content")
			}
			if err := c.decodeuserinformation(ui, out); err != nil {
				return nil, err
			}
		default:
			c.dlogf("ignoring aare tag %02X", tag)
		}
	}
	return out, nil
}

func (c *Codec) decodeuserinformation(d []byte, out *AAResponse) error {
	switch base.CosemTag(d[0]) {
	case base.TagInitiateResponse:
		return decodeinitiateresponse(d[1:], out)
	case base.TagConfirmedServiceError:
		if len(d) < 4 {
			return fmt.Errorf("invalid confirmed service error length")
		}
		out.ServiceError = &ConfirmedServiceError{Service: d[1], ServiceError: d[2], Value: d[3]}
		return nil
	case base.TagGloInitiateResponse:
		if c.cipher == nil {
			return fmt.Errorf("ciphered initiate response without ciphering")
		}
		if len(c.cipher.ServerTitle()) == 0 {
			return fmt.Errorf("ciphered initiate response without server system title")
		}
		plain, err := c.unprotect(d)
		if err != nil {
			return err
		}
		if len(plain) == 0 || base.CosemTag(plain[0]) == base.TagGloInitiateResponse {
			return fmt.Errorf("invalid ciphered initiate response")
		}
		return c.decodeuserinformation(plain, out)
	}
	return fmt.Errorf("unexpected user information tag %02X", d[0])
}

func decodeinitiateresponse(src []byte, out *AAResponse) error {
	if len(src) < 1 {
		return fmt.Errorf("invalid initiate response length")
	}
	if src[0] == 0x01 { // negotiated quality of service present
		if len(src) < 2 {
			return fmt.Errorf("invalid initiate response length")
		}
		src = src[2:]
	} else {
		src = src[1:]
	}
	// version, conformance tag, conformance, max pdu, vaa name which some meters leave out
	if len(src) < 10 {
		return fmt.Errorf("invalid initiate response length")
	}
	if src[0] != base.DlmsVersion {
		return fmt.Errorf("wrong dlms version %d", src[0])
	}
	if !bytes.Equal(src[1:5], []byte{0x5f, 0x1f, 0x04, 0x00}) {
		return fmt.Errorf("invalid initiate response content")
	}
	out.Conformance = binary.BigEndian.Uint32(src[4:8])
	out.MaxPduSize = binary.BigEndian.Uint16(src[8:10])
	return nil
}

func encoderlrq() []byte {
	return []byte{byte(base.TagRLRQ), 0x03, 0x80, 0x01, 0x00}
}
