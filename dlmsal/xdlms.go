package dlmsal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/cosem"
)

const (
	requestNormal     = 0x01
	requestNext       = 0x02
	responseNormal    = 0x01
	responseDatablock = 0x02
)

// high priority, confirmed service
const invokePriority = 0xc0

var associationObis = cosem.Obis{A: 0, B: 0, C: 40, D: 0, E: 0, F: 255}

// DataAccessError is a negative data access result returned by the meter.
type DataAccessError struct {
	Result base.DlmsResultTag
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("meter returned %v", e.Result)
}

func (e *DataAccessError) Unwrap() error {
	return base.ErrProtocol
}

type ExceptionError struct {
	StateError   byte
	ServiceError byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("exception response, state error %d, service error %d", e.StateError, e.ServiceError)
}

func (e *ExceptionError) Unwrap() error {
	return base.ErrProtocol
}

type dataResult struct {
	data   DlmsData
	result base.DlmsResultTag
}

func (c *Codec) nextinvoke() byte {
	c.invokeid = (c.invokeid + 1) & 0x0f
	return invokePriority | c.invokeid
}

func (c *Codec) checkinvoke(b byte) error {
	if b&0x0f != c.invokeid {
		return fmt.Errorf("unexpected invoke id %d, expected %d", b&0x0f, c.invokeid)
	}
	return nil
}

func appendattribute(b []byte, classID uint16, obis cosem.Obis, attribute byte) []byte {
	b = binary.BigEndian.AppendUint16(b, classID)
	b = append(b, obis.Bytes()...)
	return append(b, attribute)
}

func (c *Codec) encodeget(obj cosem.Object) []byte {
	b := []byte{byte(base.TagGetRequest), requestNormal, c.nextinvoke()}
	b = appendattribute(b, obj.Type.ClassID(), obj.Obis, byte(obj.Attribute))
	return append(b, 0x00) // no selective access
}

func (c *Codec) encodegetnext() []byte {
	b := []byte{byte(base.TagGetRequest), requestNext, invokePriority | c.invokeid}
	return binary.BigEndian.AppendUint32(b, c.blockno)
}

func (c *Codec) encodeset(obj cosem.Object, d *DlmsData) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{byte(base.TagSetRequest), requestNormal, c.nextinvoke()})
	buf.Write(appendattribute(nil, obj.Type.ClassID(), obj.Obis, byte(obj.Attribute)))
	buf.WriteByte(0x00)
	if err := EncodeData(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) encodeaction(classID uint16, obis cosem.Obis, method byte, d *DlmsData) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{byte(base.TagActionRequest), requestNormal, c.nextinvoke()})
	buf.Write(appendattribute(nil, classID, obis, method))
	buf.WriteByte(0x01)
	if err := EncodeData(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// protect wraps a plain apdu into its global ciphering counterpart, no-op without ciphering.
func (c *Codec) protect(tag base.CosemTag, apdu []byte) ([]byte, error) {
	if c.cipher == nil {
		return apdu, nil
	}
	if c.fc == math.MaxUint32 {
		return nil, fmt.Errorf("invocation counter exhausted")
	}
	sc := byte(c.settings.Security) | c.settings.Suite.ID()
	fc := c.fc
	c.fc++
	enc, err := c.cipher.Encrypt(sc, fc, apdu)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(tag.Glo()))
	encodelength(&buf, 5+len(enc))
	buf.WriteByte(sc)
	buf.Write(binary.BigEndian.AppendUint32(nil, fc))
	buf.Write(enc)
	return buf.Bytes(), nil
}

func isglo(t base.CosemTag) bool {
	switch t {
	case base.TagGloInitiateResponse, base.TagGloGetResponse, base.TagGloSetResponse, base.TagGloActionResponse:
		return true
	}
	return false
}

// unprotect returns the plain apdu of a ciphered one, plain apdus pass as they are.
func (c *Codec) unprotect(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, fmt.Errorf("empty apdu")
	}
	tag := base.CosemTag(apdu[0])
	if !isglo(tag) {
		if c.cipher != nil && tag != base.TagExceptionResponse {
			return nil, fmt.Errorf("unprotected apdu %02X while security is enabled", apdu[0])
		}
		return apdu, nil
	}
	if c.cipher == nil {
		return nil, fmt.Errorf("ciphered apdu %02X without ciphering", apdu[0])
	}
	r := reader{b: apdu[1:]}
	l, err := r.length()
	if err != nil {
		return nil, err
	}
	body, err := r.take(l)
	if err != nil {
		return nil, err
	}
	if len(body) < 5 {
		return nil, fmt.Errorf("ciphered apdu too short")
	}
	sc := body[0]
	if sc&0x0f != c.settings.Suite.ID() {
		return nil, fmt.Errorf("unexpected security suite %d", sc&0x0f)
	}
	fc := binary.BigEndian.Uint32(body[1:5])
	if c.serverfcset && fc <= c.serverfc {
		return nil, fmt.Errorf("replayed frame counter %d", fc)
	}
	plain, err := c.cipher.Decrypt(sc, fc, body[5:])
	if err != nil {
		return nil, err
	}
	c.serverfc = fc
	c.serverfcset = true
	return plain, nil
}

func decodeexception(apdu []byte) error {
	e := &ExceptionError{}
	if len(apdu) > 1 {
		e.StateError = apdu[1]
	}
	if len(apdu) > 2 {
		e.ServiceError = apdu[2]
	}
	return e
}

func decodegetresult(src []byte) (*dataResult, error) {
	if len(src) < 2 {
		return nil, ErrDataTruncated
	}
	if src[0] != 0x00 {
		return &dataResult{result: base.DlmsResultTag(src[1])}, nil
	}
	d, _, err := DecodeData(src[1:])
	if err != nil {
		return nil, err
	}
	return &dataResult{data: d}, nil
}

// parseget returns nil result while further blocks are to be requested.
func (c *Codec) parseget(apdu []byte) (*dataResult, error) {
	if len(apdu) < 4 || base.CosemTag(apdu[0]) != base.TagGetResponse {
		return nil, fmt.Errorf("unexpected get response %X", apdu[:min(len(apdu), 4)])
	}
	if err := c.checkinvoke(apdu[2]); err != nil {
		return nil, err
	}
	switch apdu[1] {
	case responseNormal:
		return decodegetresult(apdu[3:])
	case responseDatablock:
	default:
		return nil, fmt.Errorf("unsupported get response type %d", apdu[1])
	}
	if len(apdu) < 9 {
		return nil, ErrDataTruncated
	}
	last := apdu[3] != 0
	blockno := binary.BigEndian.Uint32(apdu[4:8])
	if blockno != c.blockno+1 {
		return nil, fmt.Errorf("unexpected block number %d, expected %d", blockno, c.blockno+1)
	}
	if apdu[8] != 0x00 {
		if len(apdu) < 10 {
			return nil, ErrDataTruncated
		}
		return &dataResult{result: base.DlmsResultTag(apdu[9])}, nil
	}
	r := reader{b: apdu[9:]}
	l, err := r.length()
	if err != nil {
		return nil, err
	}
	raw, err := r.take(l)
	if err != nil {
		return nil, err
	}
	c.block = append(c.block, raw...)
	c.blockno = blockno
	if !last {
		return nil, nil
	}
	d, _, err := DecodeData(c.block)
	c.block = c.block[:0]
	if err != nil {
		return nil, err
	}
	return &dataResult{data: d}, nil
}

func (c *Codec) parseset(apdu []byte) (*dataResult, error) {
	if len(apdu) < 4 || base.CosemTag(apdu[0]) != base.TagSetResponse || apdu[1] != responseNormal {
		return nil, fmt.Errorf("unexpected set response %X", apdu[:min(len(apdu), 4)])
	}
	if err := c.checkinvoke(apdu[2]); err != nil {
		return nil, err
	}
	return &dataResult{result: base.DlmsResultTag(apdu[3])}, nil
}

func (c *Codec) parseaction(apdu []byte) (*dataResult, error) {
	if len(apdu) < 4 || base.CosemTag(apdu[0]) != base.TagActionResponse || apdu[1] != responseNormal {
		return nil, fmt.Errorf("unexpected action response %X", apdu[:min(len(apdu), 4)])
	}
	if err := c.checkinvoke(apdu[2]); err != nil {
		return nil, err
	}
	res := base.DlmsResultTag(apdu[3])
	if len(apdu) < 5 || apdu[4] == 0x00 || res != base.TagResultSuccess {
		return &dataResult{result: res}, nil
	}
	return decodegetresult(apdu[5:])
}
