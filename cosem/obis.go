package cosem

import (
	"fmt"
	"regexp"
	"strconv"
)

// Obis is a logical name, six value groups A..F.
type Obis struct {
	A byte
	B byte
	C byte
	D byte
	E byte
	F byte
}

// accepts 1.0.1.8.0.255, 1-0:1.8.0.255 and 1-0:1.8.0 (F defaults to 255)
var obisre = regexp.MustCompile(`^(\d+)[.\-](\d+)[.:](\d+)\.(\d+)\.(\d+)(?:[.*](\d+))?$`)

func ParseObis(src string) (ob Obis, err error) {
	m := obisre.FindStringSubmatch(src)
	if m == nil {
		return ob, fmt.Errorf("invalid obis format %q", src)
	}
	var v [6]byte
	v[5] = 255
	for i := 1; i <= 6; i++ {
		if m[i] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i])
		if err != nil || n > 255 {
			return ob, fmt.Errorf("invalid obis value group %q in %q", m[i], src)
		}
		v[i-1] = byte(n)
	}
	return ObisFromSlice(v[:])
}

func MustParseObis(src string) Obis {
	ob, err := ParseObis(src)
	if err != nil {
		panic(err)
	}
	return ob
}

func ObisFromSlice(src []byte) (ob Obis, err error) {
	if len(src) != 6 {
		return ob, fmt.Errorf("invalid obis length %d", len(src))
	}
	return Obis{A: src[0], B: src[1], C: src[2], D: src[3], E: src[4], F: src[5]}, nil
}

func (o Obis) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

func (o Obis) Bytes() []byte {
	return []byte{o.A, o.B, o.C, o.D, o.E, o.F}
}
