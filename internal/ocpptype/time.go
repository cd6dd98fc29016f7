// Package ocpptype carries the wire- and value-level types shared across
// the OCPP 2.0.1 client: timestamps, enums, and the station/EVSE/connector
// topology. Protocol-specific behavior (framing, queueing, composing) lives
// in the packages that consume these types.
package ocpptype

import (
	"time"

	"github.com/relvacode/iso8601"
)

// DateTime wraps an OCPP wire timestamp. OCPP 2.0.1 uses RFC3339-ish ISO8601
// strings with optional fractional seconds; iso8601.ParseString tolerates the
// variants CSMS implementations actually send, which time.Parse's fixed
// layout does not.
type DateTime struct {
	time.Time
}

func Now() DateTime { return DateTime{time.Now().UTC()} }

func NewDateTime(t time.Time) DateTime { return DateTime{t.UTC()} }

func (d DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Time.UTC().Format("2006-01-02T15:04:05.000Z") + `"`), nil
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	s := string(data[1 : len(data)-1])
	t, err := iso8601.ParseString(s)
	if err != nil {
		return err
	}
	d.Time = t.UTC()
	return nil
}
