package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"aquamonitor/internal/apperr"
)

// Ref identifies an entity either by numeric id or by its natural key
// (serial number, parameter name). A JSON number decodes to ID and a JSON
// string to Key.
type Ref struct {
	ID  int64
	Key string
}

func (r Ref) IsZero() bool { return r.ID == 0 && r.Key == "" }

func (r Ref) String() string {
	if r.Key != "" {
		return r.Key
	}
	return strconv.FormatInt(r.ID, 10)
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Key != "" {
		return json.Marshal(r.Key)
	}
	return json.Marshal(r.ID)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = Ref{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref{Key: strings.TrimSpace(s)}
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("reference must be an integer id or a string: %w", err)
	}
	*r = Ref{ID: id}
	return nil
}

// Value is a reading value that accepts a JSON number or a numeric string.
// Invalid input is kept so validation can report it per field.
type Value struct {
	Number float64
	Raw    string
	Set    bool
}

func Float(v float64) Value {
	return Value{Number: v, Raw: strconv.FormatFloat(v, 'f', -1, 64), Set: true}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Set {
		return []byte("null"), nil
	}
	return json.Marshal(v.Number)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	*v = Value{Raw: raw, Set: true}
	if n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		v.Number = n
	} else {
		v.Number = math.NaN()
	}
	return nil
}

// Finite reports whether the value is present and a real number.
func (v Value) Finite() bool {
	return v.Set && !math.IsNaN(v.Number) && !math.IsInf(v.Number, 0)
}

// ReadingInput is one reading as reported by a device.
type ReadingInput struct {
	Parameter Ref   `json:"parameter"`
	Value     Value `json:"value"`
	Sensor    *Ref  `json:"sensor,omitempty"`
	Alert     bool  `json:"alert,omitempty"`
}

// Batch is a device payload to ingest.
type Batch struct {
	Device    Ref            `json:"device"`
	Sensor    *Ref           `json:"sensor,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Readings  []ReadingInput `json:"readings"`

	// UserID is the authenticated caller, if any. Used for the activity log.
	UserID string `json:"-"`
	// Source names the transport the batch arrived on (http, kafka, mqtt).
	Source string `json:"-"`
}

// Correction replaces the readings of a stored measurement.
type Correction struct {
	Readings []ReadingInput `json:"readings"`
	UserID   string         `json:"-"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts ISO-8601 timestamps. Values without a zone are
// taken as UTC. An empty string yields now.
func ParseTimestamp(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation("timestamp", "invalid timestamp %q, expected ISO-8601", s)
}
