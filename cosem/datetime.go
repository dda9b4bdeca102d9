package cosem

import (
	"fmt"
	"time"
)

const DateTimeInvalidDeviation int16 = -32768

// DateTime is the 12 byte cosem date-time, 0xff fields are "not specified".
type DateTime struct {
	Year       uint16
	Month      byte
	Day        byte
	DayOfWeek  byte
	Hour       byte
	Minute     byte
	Second     byte
	Hundredths byte
	Deviation  int16
	Status     byte
}

func DateTimeFromTime(src time.Time) DateTime {
	wd := byte(src.Weekday())
	if wd == 0 {
		wd = 7
	}
	_, off := src.Zone()
	return DateTime{
		Year: uint16(src.Year()), Month: byte(src.Month()), Day: byte(src.Day()), DayOfWeek: wd,
		Hour: byte(src.Hour()), Minute: byte(src.Minute()), Second: byte(src.Second()), Hundredths: byte(src.Nanosecond() / 10000000),
		Deviation: int16(off / 60),
	}
}

func DateTimeFromSlice(src []byte) (val DateTime, err error) {
	if len(src) != 12 {
		return val, fmt.Errorf("invalid date-time length %d", len(src))
	}
	return DateTime{
		Year: uint16(src[0])<<8 | uint16(src[1]), Month: src[2], Day: src[3], DayOfWeek: src[4],
		Hour: src[5], Minute: src[6], Second: src[7], Hundredths: src[8],
		Deviation: int16(src[9])<<8 | int16(src[10]),
		Status:    src[11],
	}, nil
}

func (t *DateTime) Bytes() []byte {
	return []byte{byte(t.Year >> 8), byte(t.Year), t.Month, t.Day, t.DayOfWeek,
		t.Hour, t.Minute, t.Second, t.Hundredths,
		byte(t.Deviation >> 8), byte(t.Deviation), t.Status}
}

func (t *DateTime) ToTime() (tt time.Time, err error) {
	if t.Year == 0xffff || t.Month == 0xff || t.Day == 0xff || t.Hour == 0xff || t.Minute == 0xff {
		return tt, fmt.Errorf("invalid date or time")
	}
	ns := 0
	if t.Hundredths != 0xff {
		ns = int(t.Hundredths) * 10000000
	}
	sec := int(t.Second)
	if t.Second == 0xff {
		sec = 0
	}
	dev := 0
	if t.Deviation != DateTimeInvalidDeviation {
		dev = int(t.Deviation)
	}
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), sec, ns, time.FixedZone("", dev*60)), nil
}

func (t DateTime) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%02d UTC%+03d Status: %02x",
		t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second, t.Hundredths, t.Deviation, t.Status)
}
