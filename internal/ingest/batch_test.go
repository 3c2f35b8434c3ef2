package ingest

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/apperr"
)

func mustAtoi(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}

func TestBatch_DecodeDevicePayload(t *testing.T) {
	payload := `{
		"device": "DEV-001",
		"sensor": 7,
		"timestamp": "2024-05-01T10:00:00-05:00",
		"readings": [
			{"parameter": "pH", "value": 5.9},
			{"parameter": 3, "value": "25.5", "alert": true},
			{"parameter": "TDS", "value": "n/a", "sensor": "SN-TDS"}
		]
	}`

	var b Batch
	require.NoError(t, json.Unmarshal([]byte(payload), &b))

	assert.Equal(t, Ref{Key: "DEV-001"}, b.Device)
	require.NotNil(t, b.Sensor)
	assert.Equal(t, Ref{ID: 7}, *b.Sensor)
	require.Len(t, b.Readings, 3)

	assert.Equal(t, Ref{Key: "pH"}, b.Readings[0].Parameter)
	assert.True(t, b.Readings[0].Value.Finite())
	assert.Equal(t, 5.9, b.Readings[0].Value.Number)

	assert.Equal(t, Ref{ID: 3}, b.Readings[1].Parameter)
	assert.Equal(t, 25.5, b.Readings[1].Value.Number)
	assert.True(t, b.Readings[1].Alert)

	assert.False(t, b.Readings[2].Value.Finite())
	assert.Equal(t, "n/a", b.Readings[2].Value.Raw)
	assert.Equal(t, Ref{Key: "SN-TDS"}, *b.Readings[2].Sensor)
}

func TestValue_RejectsNonFinite(t *testing.T) {
	for _, raw := range []string{`"NaN"`, `"Inf"`, `"-Infinity"`, `true`, `""`} {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(raw), &v), raw)
		assert.False(t, v.Finite(), raw)
	}

	var missing struct {
		Value Value `json:"value"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &missing))
	assert.False(t, missing.Value.Set)
}

func TestRef_RejectsObjects(t *testing.T) {
	var r Ref
	assert.Error(t, json.Unmarshal([]byte(`{"id": 1}`), &r))
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := ParseTimestamp("", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	got, err = ParseTimestamp("2024-05-01T10:00:00-05:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC), got.UTC())

	got, err = ParseTimestamp("2024-05-01 10:00:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = ParseTimestamp("01/05/2024", now)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
