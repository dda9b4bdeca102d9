package dlmsal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cybroslabs/dlmsgate/cosem"
)

type dataTag byte

const (
	TagNull               dataTag = 0
	TagArray              dataTag = 1
	TagStructure          dataTag = 2
	TagBoolean            dataTag = 3
	TagBitString          dataTag = 4
	TagDoubleLong         dataTag = 5
	TagDoubleLongUnsigned dataTag = 6
	TagFloatingPoint      dataTag = 7
	TagOctetString        dataTag = 9
	TagVisibleString      dataTag = 10
	TagUTF8String         dataTag = 12
	TagBCD                dataTag = 13
	TagInteger            dataTag = 15
	TagLong               dataTag = 16
	TagUnsigned           dataTag = 17
	TagLongUnsigned       dataTag = 18
	TagCompactArray       dataTag = 19
	TagLong64             dataTag = 20
	TagLong64Unsigned     dataTag = 21
	TagEnum               dataTag = 22
	TagFloat32            dataTag = 23
	TagFloat64            dataTag = 24
	TagDateTime           dataTag = 25
	TagDate               dataTag = 26
	TagTime               dataTag = 27
)

const maxDataDepth = 16

var ErrDataTruncated = errors.New("truncated data")

func (t dataTag) String() string {
	switch t {
	case TagNull:
		return "null-data"
	case TagArray:
		return "array"
	case TagStructure:
		return "structure"
	case TagBoolean:
		return "boolean"
	case TagBitString:
		return "bit-string"
	case TagDoubleLong:
		return "double-long"
	case TagDoubleLongUnsigned:
		return "double-long-unsigned"
	case TagFloatingPoint:
		return "floating-point"
	case TagOctetString:
		return "octet-string"
	case TagVisibleString:
		return "visible-string"
	case TagUTF8String:
		return "utf8-string"
	case TagBCD:
		return "bcd"
	case TagInteger:
		return "integer"
	case TagLong:
		return "long"
	case TagUnsigned:
		return "unsigned"
	case TagLongUnsigned:
		return "long-unsigned"
	case TagCompactArray:
		return "compact-array"
	case TagLong64:
		return "long64"
	case TagLong64Unsigned:
		return "long64-unsigned"
	case TagEnum:
		return "enum"
	case TagFloat32:
		return "float32"
	case TagFloat64:
		return "float64"
	case TagDateTime:
		return "date-time"
	case TagDate:
		return "date"
	case TagTime:
		return "time"
	}
	return fmt.Sprintf("tag(%d)", byte(t))
}

// DlmsData is one A-XDR value, arrays and structures hold []DlmsData.
type DlmsData struct {
	Value any
	Tag   dataTag
}

// DecodeData reads one value from src and returns it with the count of consumed bytes.
func DecodeData(src []byte) (DlmsData, int, error) {
	r := reader{b: src}
	d, err := r.data(0)
	return d, r.p, err
}

type reader struct {
	b []byte
	p int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.b)-r.p < n {
		return nil, ErrDataTruncated
	}
	v := r.b[r.p : r.p+n]
	r.p += n
	return v, nil
}

func (r *reader) byte1() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) length() (int, error) {
	b, err := r.byte1()
	if err != nil {
		return 0, err
	}
	if b < 0x80 {
		return int(b), nil
	}
	n := int(b & 0x7f)
	if n == 0 || n > 4 {
		return 0, fmt.Errorf("unsupported length encoding %02X", b)
	}
	v, err := r.take(n)
	if err != nil {
		return 0, err
	}
	l := 0
	for _, x := range v {
		l = l<<8 | int(x)
	}
	if l > len(r.b) {
		return 0, ErrDataTruncated
	}
	return l, nil
}

func (r *reader) data(depth int) (DlmsData, error) {
	if depth > maxDataDepth {
		return DlmsData{}, fmt.Errorf("data nested deeper than %d levels", maxDataDepth)
	}
	t, err := r.byte1()
	if err != nil {
		return DlmsData{}, err
	}
	tag := dataTag(t)
	fixed := func(n int) ([]byte, error) {
		return r.take(n)
	}
	switch tag {
	case TagNull:
		return DlmsData{Tag: tag}, nil
	case TagArray, TagStructure:
		n, err := r.length()
		if err != nil {
			return DlmsData{}, err
		}
		items := make([]DlmsData, 0, min(n, 64))
		for range n {
			d, err := r.data(depth + 1)
			if err != nil {
				return DlmsData{}, err
			}
			items = append(items, d)
		}
		return DlmsData{Tag: tag, Value: items}, nil
	case TagBoolean:
		b, err := r.byte1()
		return DlmsData{Tag: tag, Value: b != 0}, err
	case TagBitString:
		n, err := r.length()
		if err != nil {
			return DlmsData{}, err
		}
		v, err := r.take((n + 7) / 8)
		if err != nil {
			return DlmsData{}, err
		}
		var sb strings.Builder
		for i := range n {
			if v[i/8]&(0x80>>(i%8)) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return DlmsData{Tag: tag, Value: sb.String()}, nil
	case TagOctetString, TagVisibleString, TagUTF8String:
		n, err := r.length()
		if err != nil {
			return DlmsData{}, err
		}
		v, err := r.take(n)
		if err != nil {
			return DlmsData{}, err
		}
		if tag == TagOctetString {
			return DlmsData{Tag: tag, Value: slices.Clone(v)}, nil
		}
		return DlmsData{Tag: tag, Value: string(v)}, nil
	case TagInteger:
		v, err := fixed(1)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: int8(v[0])}, nil
	case TagUnsigned, TagEnum, TagBCD:
		v, err := fixed(1)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: v[0]}, nil
	case TagLong:
		v, err := fixed(2)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: int16(binary.BigEndian.Uint16(v))}, nil
	case TagLongUnsigned:
		v, err := fixed(2)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint16(v)}, nil
	case TagDoubleLong:
		v, err := fixed(4)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: int32(binary.BigEndian.Uint32(v))}, nil
	case TagDoubleLongUnsigned:
		v, err := fixed(4)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint32(v)}, nil
	case TagLong64:
		v, err := fixed(8)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: int64(binary.BigEndian.Uint64(v))}, nil
	case TagLong64Unsigned:
		v, err := fixed(8)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: binary.BigEndian.Uint64(v)}, nil
	case TagFloat32, TagFloatingPoint:
		v, err := fixed(4)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: math.Float32frombits(binary.BigEndian.Uint32(v))}, nil
	case TagFloat64:
		v, err := fixed(8)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: math.Float64frombits(binary.BigEndian.Uint64(v))}, nil
	case TagDateTime:
		v, err := fixed(12)
		if err != nil {
			return DlmsData{}, err
		}
		dt, err := cosem.DateTimeFromSlice(v)
		return DlmsData{Tag: tag, Value: dt}, err
	case TagDate:
		v, err := fixed(5)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: slices.Clone(v)}, nil
	case TagTime:
		v, err := fixed(4)
		if err != nil {
			return DlmsData{}, err
		}
		return DlmsData{Tag: tag, Value: slices.Clone(v)}, nil
	}
	return DlmsData{}, fmt.Errorf("unsupported data tag %v", tag)
}

func typeerr(tag dataTag, v any) error {
	return fmt.Errorf("%v cannot hold %T", tag, v)
}

// EncodeData appends the A-XDR encoding of d to dst.
func EncodeData(dst *bytes.Buffer, d *DlmsData) error {
	return encodedata(dst, d, 0)
}

func encodedata(dst *bytes.Buffer, d *DlmsData, depth int) error {
	if depth > maxDataDepth {
		return fmt.Errorf("data nested deeper than %d levels", maxDataDepth)
	}
	dst.WriteByte(byte(d.Tag))
	switch d.Tag {
	case TagNull:
		return nil
	case TagArray, TagStructure:
		items, ok := d.Value.([]DlmsData)
		if !ok && d.Value != nil {
			return typeerr(d.Tag, d.Value)
		}
		encodelength(dst, len(items))
		for i := range items {
			if err := encodedata(dst, &items[i], depth+1); err != nil {
				return err
			}
		}
		return nil
	case TagBoolean:
		v, ok := d.Value.(bool)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		if v {
			dst.WriteByte(1)
		} else {
			dst.WriteByte(0)
		}
		return nil
	case TagBitString:
		v, ok := d.Value.(string)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		encodelength(dst, len(v))
		b := make([]byte, (len(v)+7)/8)
		for i, c := range v {
			switch c {
			case '1':
				b[i/8] |= 0x80 >> (i % 8)
			case '0':
			default:
				return fmt.Errorf("invalid bit %q in bit-string", c)
			}
		}
		dst.Write(b)
		return nil
	case TagOctetString:
		var v []byte
		switch t := d.Value.(type) {
		case []byte:
			v = t
		case cosem.DateTime:
			v = t.Bytes()
		case cosem.Obis:
			v = t.Bytes()
		default:
			return typeerr(d.Tag, d.Value)
		}
		encodelength(dst, len(v))
		dst.Write(v)
		return nil
	case TagVisibleString, TagUTF8String:
		v, ok := d.Value.(string)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		encodelength(dst, len(v))
		dst.WriteString(v)
		return nil
	case TagInteger:
		v, ok := d.Value.(int8)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.WriteByte(byte(v))
		return nil
	case TagUnsigned, TagEnum, TagBCD:
		v, ok := d.Value.(uint8)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.WriteByte(v)
		return nil
	case TagLong:
		v, ok := d.Value.(int16)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint16(nil, uint16(v)))
		return nil
	case TagLongUnsigned:
		v, ok := d.Value.(uint16)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint16(nil, v))
		return nil
	case TagDoubleLong:
		v, ok := d.Value.(int32)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
		return nil
	case TagDoubleLongUnsigned:
		v, ok := d.Value.(uint32)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint32(nil, v))
		return nil
	case TagLong64:
		v, ok := d.Value.(int64)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
		return nil
	case TagLong64Unsigned:
		v, ok := d.Value.(uint64)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint64(nil, v))
		return nil
	case TagFloat32, TagFloatingPoint:
		v, ok := d.Value.(float32)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
		return nil
	case TagFloat64:
		v, ok := d.Value.(float64)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
		return nil
	case TagDateTime:
		v, ok := d.Value.(cosem.DateTime)
		if !ok {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(v.Bytes())
		return nil
	case TagDate, TagTime:
		v, ok := d.Value.([]byte)
		want := 5
		if d.Tag == TagTime {
			want = 4
		}
		if !ok || len(v) != want {
			return typeerr(d.Tag, d.Value)
		}
		dst.Write(v)
		return nil
	}
	return fmt.Errorf("unsupported data tag %v", d.Tag)
}

// NewData picks the A-XDR type matching a go value.
func NewData(v any) (DlmsData, error) {
	switch t := v.(type) {
	case nil:
		return DlmsData{Tag: TagNull}, nil
	case DlmsData:
		return t, nil
	case bool:
		return DlmsData{Tag: TagBoolean, Value: t}, nil
	case int8:
		return DlmsData{Tag: TagInteger, Value: t}, nil
	case int16:
		return DlmsData{Tag: TagLong, Value: t}, nil
	case int32:
		return DlmsData{Tag: TagDoubleLong, Value: t}, nil
	case int64:
		return DlmsData{Tag: TagLong64, Value: t}, nil
	case int:
		return DlmsData{Tag: TagLong64, Value: int64(t)}, nil
	case uint8:
		return DlmsData{Tag: TagUnsigned, Value: t}, nil
	case uint16:
		return DlmsData{Tag: TagLongUnsigned, Value: t}, nil
	case uint32:
		return DlmsData{Tag: TagDoubleLongUnsigned, Value: t}, nil
	case uint64:
		return DlmsData{Tag: TagLong64Unsigned, Value: t}, nil
	case float32:
		return DlmsData{Tag: TagFloat32, Value: t}, nil
	case float64:
		return DlmsData{Tag: TagFloat64, Value: t}, nil
	case string:
		return DlmsData{Tag: TagVisibleString, Value: t}, nil
	case []byte:
		return DlmsData{Tag: TagOctetString, Value: t}, nil
	case time.Time: // clock time attribute is an octet-string
		return DlmsData{Tag: TagOctetString, Value: cosem.DateTimeFromTime(t)}, nil
	case cosem.DateTime:
		return DlmsData{Tag: TagOctetString, Value: t}, nil
	}
	return DlmsData{}, fmt.Errorf("no dlms type for %T", v)
}

// Native unwraps d into plain go values, arrays and structures become []any.
func (d *DlmsData) Native() any {
	switch v := d.Value.(type) {
	case []DlmsData:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i].Native()
		}
		return out
	case cosem.DateTime:
		if t, err := v.ToTime(); err == nil {
			return t
		}
		return v
	}
	return d.Value
}

func (d DlmsData) String() string {
	return fmt.Sprintf("%v(%v)", d.Tag, d.Value)
}

func encodelength(dst *bytes.Buffer, n int) {
	switch {
	case n < 0x80:
		dst.WriteByte(byte(n))
	case n <= 0xff:
		dst.WriteByte(0x81)
		dst.WriteByte(byte(n))
	case n <= 0xffff:
		dst.WriteByte(0x82)
		dst.WriteByte(byte(n >> 8))
		dst.WriteByte(byte(n))
	default:
		dst.WriteByte(0x84)
		dst.Write(binary.BigEndian.AppendUint32(nil, uint32(n)))
	}
}

// encodetag writes a BER tag with definite length.
func encodetag(dst *bytes.Buffer, tag byte, data []byte) {
	dst.WriteByte(tag)
	encodelength(dst, len(data))
	dst.Write(data)
}

// encodetag2 nests data into an inner tag inside an outer one.
func encodetag2(dst *bytes.Buffer, tag byte, inner byte, data []byte) {
	var in bytes.Buffer
	encodetag(&in, inner, data)
	encodetag(dst, tag, in.Bytes())
}
