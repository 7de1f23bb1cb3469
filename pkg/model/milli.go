package model

import (
	"encoding/json"
	"time"
)

// Milli is a time.Time that serializes to/from Unix milliseconds in JSON.
// All timestamps crossing the MQTT boundary use this representation.
type Milli time.Time

// NowMilli returns the current time as Milli.
func NowMilli() Milli {
	return Milli(time.Now())
}

// Time returns the underlying time.Time value.
func (m Milli) Time() time.Time {
	return time.Time(m)
}

// IsZero reports whether m represents the zero time instant.
func (m Milli) IsZero() bool {
	return time.Time(m).IsZero()
}

// Sub returns the duration m-t.
func (m Milli) Sub(t Milli) time.Duration {
	return time.Time(m).Sub(time.Time(t))
}

// MarshalJSON implements json.Marshaler.
func (m Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Milli) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*m = Milli(time.UnixMilli(t))
	return nil
}
