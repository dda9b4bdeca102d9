package cosem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObis(t *testing.T) {
	tests := []struct {
		in   string
		want Obis
	}{
		{"1.0.1.8.0.255", Obis{1, 0, 1, 8, 0, 255}},
		{"1-0:1.8.0.255", Obis{1, 0, 1, 8, 0, 255}},
		{"1-0:1.8.0", Obis{1, 0, 1, 8, 0, 255}},
		{"0.0.1.0.0.255", Obis{0, 0, 1, 0, 0, 255}},
		{"1-0:1.8.0*101", Obis{1, 0, 1, 8, 0, 101}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ob, err := ParseObis(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ob)
		})
	}
	for _, bad := range []string{"", "1.0.1.8", "1.0.1.8.0.256", "a.b.c.d.e.f"} {
		_, err := ParseObis(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "1.0.1.8.0.255", MustParseObis("1-0:1.8.0").String())
}

func TestObjectType(t *testing.T) {
	tests := []struct {
		in    string
		want  ObjectType
		class uint16
	}{
		{"Register", ObjectTypeRegister, 3},
		{"clock", ObjectTypeClock, 8},
		{"", ObjectTypeData, 1},
		{"extended register", ObjectTypeExtendedRegister, 4},
		{"5", ObjectTypeDemandRegister, 5},
	}
	for _, tt := range tests {
		got, err := ParseObjectType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.class, got.ClassID())
	}
	_, err := ParseObjectType("profile_generic")
	assert.Error(t, err)
	assert.True(t, ObjectTypeDemandRegister.IsRegister())
	assert.False(t, ObjectTypeClock.IsRegister())
}

func TestNewObject(t *testing.T) {
	o, err := NewObject(ObjectTypeRegister, "1.0.1.8.0.255", 2)
	require.NoError(t, err)
	assert.Equal(t, "register 1.0.1.8.0.255/2", o.String())

	_, err = NewObject(ObjectTypeRegister, "1.0.1.8.0.255", 0)
	assert.Error(t, err)
	_, err = NewObject(ObjectTypeNone, "1.0.1.8.0.255", 2)
	assert.Error(t, err)
}

func TestDateTime(t *testing.T) {
	src := time.Date(2024, time.March, 10, 14, 30, 5, 500000000, time.FixedZone("", 3600))
	dt := DateTimeFromTime(src)
	assert.Equal(t, byte(7), dt.DayOfWeek)
	assert.Equal(t, int16(60), dt.Deviation)

	back, err := DateTimeFromSlice(dt.Bytes())
	require.NoError(t, err)
	assert.Equal(t, dt, back)

	tt, err := back.ToTime()
	require.NoError(t, err)
	assert.True(t, src.Equal(tt))

	dt.Hour = 0xff
	_, err = dt.ToTime()
	assert.Error(t, err)
	_, err = DateTimeFromSlice([]byte{1, 2})
	assert.Error(t, err)
}

func TestReplyReset(t *testing.T) {
	r := &Reply{Pending: []byte{1}, Data: []byte{2}, More: MoreDataBlock, Value: 3, Frames: 2}
	r.Reset()
	assert.Empty(t, r.Pending)
	assert.Empty(t, r.Data)
	assert.Equal(t, MoreDataNone, r.More)
	assert.Nil(t, r.Value)
	assert.Zero(t, r.Frames)
}
