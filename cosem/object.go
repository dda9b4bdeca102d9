package cosem

import (
	"fmt"
	"strings"
)

// ObjectType is the closed set of interface classes the gateway maps.
type ObjectType byte

const (
	ObjectTypeNone ObjectType = iota
	ObjectTypeData
	ObjectTypeRegister
	ObjectTypeExtendedRegister
	ObjectTypeDemandRegister
	ObjectTypeClock
	ObjectTypeAssociationLN
)

var objectTypes = [...]struct {
	name    string
	classID uint16
	version byte
}{
	ObjectTypeNone:             {"none", 0, 0},
	ObjectTypeData:             {"data", 1, 0},
	ObjectTypeRegister:         {"register", 3, 0},
	ObjectTypeExtendedRegister: {"extended_register", 4, 0},
	ObjectTypeDemandRegister:   {"demand_register", 5, 0},
	ObjectTypeClock:            {"clock", 8, 0},
	ObjectTypeAssociationLN:    {"association_ln", 15, 2},
}

func (t ObjectType) valid() bool {
	return int(t) < len(objectTypes)
}

func (t ObjectType) String() string {
	if !t.valid() {
		return fmt.Sprintf("object(%d)", byte(t))
	}
	return objectTypes[t].name
}

func (t ObjectType) ClassID() uint16 {
	if !t.valid() {
		return 0
	}
	return objectTypes[t].classID
}

// IsRegister covers classes whose value attribute is a scaled number.
func (t ObjectType) IsRegister() bool {
	return t == ObjectTypeRegister || t == ObjectTypeExtendedRegister || t == ObjectTypeDemandRegister
}

// ParseObjectType accepts names and numeric class ids, empty means data.
func ParseObjectType(s string) (ObjectType, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.ReplaceAll(n, " ", "_")
	if n == "" {
		return ObjectTypeData, nil
	}
	for i, o := range objectTypes {
		if i == int(ObjectTypeNone) {
			continue
		}
		if o.name == n || strings.ReplaceAll(o.name, "_", "") == n || fmt.Sprint(o.classID) == n {
			return ObjectType(i), nil
		}
	}
	return ObjectTypeNone, fmt.Errorf("unsupported object type %q", s)
}

// Object addresses one attribute of one cosem object.
type Object struct {
	Type      ObjectType
	Obis      Obis
	Attribute int8
}

func NewObject(t ObjectType, obisCode string, attribute int) (Object, error) {
	ob, err := ParseObis(obisCode)
	if err != nil {
		return Object{}, err
	}
	if !t.valid() || t == ObjectTypeNone {
		return Object{}, fmt.Errorf("invalid object type %v", t)
	}
	if attribute < 1 || attribute > 127 {
		return Object{}, fmt.Errorf("invalid attribute index %d", attribute)
	}
	return Object{Type: t, Obis: ob, Attribute: int8(attribute)}, nil
}

func (o Object) String() string {
	return fmt.Sprintf("%v %v/%d", o.Type, o.Obis, o.Attribute)
}
