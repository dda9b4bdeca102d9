package mapping

import (
	"fmt"
	"strings"

	"github.com/cybroslabs/dlmsgate/cosem"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

const DefaultAttribute = 2

// RawProfile is one mapping entry as written in the configuration.
type RawProfile struct {
	Obis         string `yaml:"obis" toml:"obis" json:"obis"`
	NodeID       string `yaml:"node_id" toml:"node_id" json:"node_id"`
	Name         string `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
	ObjectType   string `yaml:"object_type,omitempty" toml:"object_type,omitempty" json:"object_type,omitempty"`
	Attribute    *int   `yaml:"attribute,omitempty" toml:"attribute,omitempty" json:"attribute,omitempty"`
	ValueType    string `yaml:"value_type,omitempty" toml:"value_type,omitempty" json:"value_type,omitempty"`
	InitialValue any    `yaml:"initial_value,omitempty" toml:"initial_value,omitempty" json:"initial_value,omitempty"`
}

// Profile binds one cosem attribute to one address space node.
type Profile struct {
	Object       cosem.Object
	NodeID       string // canonical form of the node id
	Name         string
	ValueType    ValueType
	InitialValue any
}

func (p *Profile) Obis() string {
	return p.Object.Obis.String()
}

// DefaultProfiles is exposed when the configuration yields no usable entry.
func DefaultProfiles() []RawProfile {
	return []RawProfile{{
		Obis:       "1.0.1.8.0.255",
		NodeID:     "ns=2;s=ActiveEnergy",
		ObjectType: "register",
		Attribute:  ptr.To(DefaultAttribute),
		ValueType:  "double",
	}}
}

// obis codes whose unit the meter defines independently of the object type
var obisValueTypes = map[string]ValueType{
	"1.0.1.8.0.255":  ValueTypeDouble,
	"1.0.2.8.0.255":  ValueTypeDouble,
	"1.0.31.7.0.255": ValueTypeFloat, // instantaneous current L1..L3
	"1.0.51.7.0.255": ValueTypeFloat,
	"1.0.71.7.0.255": ValueTypeFloat,
	"1.0.32.7.0.255": ValueTypeFloat, // instantaneous voltage L1..L3
	"1.0.52.7.0.255": ValueTypeFloat,
	"1.0.72.7.0.255": ValueTypeFloat,
	"0.0.1.0.0.255":  ValueTypeDateTime,
}

// InferValueType picks explicit over the obis table over the object type.
func InferValueType(explicit ValueType, obis string, t cosem.ObjectType) ValueType {
	if explicit != ValueTypeNone {
		return explicit
	}
	if v, ok := obisValueTypes[obis]; ok {
		return v
	}
	switch {
	case t.IsRegister():
		return ValueTypeDouble
	case t == cosem.ObjectTypeClock:
		return ValueTypeDateTime
	}
	return ValueTypeNone
}

// CanonicalNodeID parses s and returns its canonical text form.
func CanonicalNodeID(s string) (string, error) {
	id, err := ua.ParseNodeID(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newProfile(raw *RawProfile) (Profile, error) {
	ot, err := cosem.ParseObjectType(raw.ObjectType)
	if err != nil {
		return Profile{}, err
	}
	obj, err := cosem.NewObject(ot, strings.TrimSpace(raw.Obis), ptr.Deref(raw.Attribute, DefaultAttribute))
	if err != nil {
		return Profile{}, err
	}
	node, err := CanonicalNodeID(raw.NodeID)
	if err != nil {
		return Profile{}, fmt.Errorf("invalid node id %q: %w", raw.NodeID, err)
	}
	explicit, err := ParseValueType(raw.ValueType)
	if err != nil {
		return Profile{}, err
	}
	vt := InferValueType(explicit, obj.Obis.String(), ot)
	if vt == ValueTypeNone {
		return Profile{}, fmt.Errorf("no value type for %v", ot)
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = node
	}
	return Profile{Object: obj, NodeID: node, Name: name, ValueType: vt}, nil
}

// Snapshot is an immutable set of profiles with lookups in both directions.
type Snapshot struct {
	Version   uint64
	Defaulted bool // no configured entry was usable
	profiles  []Profile
	byObis    map[string]int
	byNode    map[string]int
}

// Build validates raw entries. Unusable entries are dropped with a warning,
// an empty result is replaced by DefaultProfiles.
func Build(raw []RawProfile, logger *zap.SugaredLogger) *Snapshot {
	s := build(raw, logger)
	if len(s.profiles) == 0 {
		if logger != nil {
			logger.Warnw("no usable mapping profile, exposing defaults", "configured", len(raw))
		}
		s = build(DefaultProfiles(), logger)
		s.Defaulted = true
	}
	return s
}

func build(raw []RawProfile, logger *zap.SugaredLogger) *Snapshot {
	warn := func(i int, msg string, kv ...any) {
		if logger != nil {
			logger.Warnw(msg, append([]any{"index", i, "obis", raw[i].Obis, "node", raw[i].NodeID}, kv...)...)
		}
	}
	s := &Snapshot{
		byObis: make(map[string]int, len(raw)),
		byNode: make(map[string]int, len(raw)),
	}
	for i := range raw {
		r := &raw[i]
		if strings.TrimSpace(r.Obis) == "" || strings.TrimSpace(r.NodeID) == "" {
			warn(i, "mapping profile dropped, obis and node id are required")
			continue
		}
		p, err := newProfile(r)
		if err != nil {
			warn(i, "mapping profile dropped", "error", err)
			continue
		}
		if _, ok := s.byObis[p.Obis()]; ok {
			warn(i, "mapping profile dropped, obis already mapped")
			continue
		}
		if _, ok := s.byNode[p.NodeID]; ok {
			warn(i, "mapping profile dropped, node already mapped")
			continue
		}

		p.InitialValue = DefaultValue(p.ValueType)
		if r.InitialValue != nil {
			v, err := Coerce(r.InitialValue, p.ValueType)
			if err != nil {
				warn(i, "initial value kept as configured", "value", r.InitialValue, "type", p.ValueType, "error", err)
				v = r.InitialValue
			}
			p.InitialValue = v
		}

		s.byObis[p.Obis()] = len(s.profiles)
		s.byNode[p.NodeID] = len(s.profiles)
		s.profiles = append(s.profiles, p)
	}
	return s
}

func (s *Snapshot) Len() int {
	return len(s.profiles)
}

// Profiles returns the profiles in configuration order.
func (s *Snapshot) Profiles() []Profile {
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// NodeForObis resolves an obis code to the node it is mapped to.
func (s *Snapshot) NodeForObis(obis string) (string, bool) {
	p, ok := s.ByObis(obis)
	if !ok {
		return "", false
	}
	return p.NodeID, true
}

// ObisForNode resolves a node id to the obis code mapped onto it.
func (s *Snapshot) ObisForNode(node string) (string, bool) {
	p, ok := s.ByNode(node)
	if !ok {
		return "", false
	}
	return p.Obis(), true
}

func (s *Snapshot) ByObis(obis string) (Profile, bool) {
	key := strings.TrimSpace(obis)
	if ob, err := cosem.ParseObis(key); err == nil {
		key = ob.String()
	}
	i, ok := s.byObis[key]
	if !ok {
		return Profile{}, false
	}
	return s.profiles[i], true
}

func (s *Snapshot) ByNode(node string) (Profile, bool) {
	key := strings.TrimSpace(node)
	if c, err := CanonicalNodeID(key); err == nil {
		key = c
	}
	i, ok := s.byNode[key]
	if !ok {
		return Profile{}, false
	}
	return s.profiles[i], true
}
