package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/models"
)

func f(v float64) *float64 { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		rule       models.ThresholdRule
		value      float64
		wantInside bool
		wantReason string
	}{
		{
			name:       "below minimum",
			rule:       models.ThresholdRule{ParameterName: "pH", Min: f(6.5), Max: f(8.0)},
			value:      5.9,
			wantReason: "pH (5.9) está por debajo del mínimo (6.5).",
		},
		{
			name:       "above maximum",
			rule:       models.ThresholdRule{ParameterName: "Temperature", Max: f(18.0)},
			value:      25.0,
			wantReason: "Temperature (25) está por encima del máximo (18).",
		},
		{
			name:       "within bounds",
			rule:       models.ThresholdRule{ParameterName: "pH", Min: f(6.5), Max: f(8.0)},
			value:      7.0,
			wantInside: true,
		},
		{
			name:       "bounds are inclusive",
			rule:       models.ThresholdRule{ParameterName: "pH", Min: f(6.5), Max: f(8.0)},
			value:      8.0,
			wantInside: true,
		},
		{
			name:       "no bounds never triggers",
			rule:       models.ThresholdRule{ParameterName: "TSS"},
			value:      -1e9,
			wantInside: true,
		},
		{
			name:       "misconfigured min above max reports both",
			rule:       models.ThresholdRule{ParameterName: "DissolvedOxygen", Min: f(9), Max: f(5)},
			value:      7,
			wantReason: "DissolvedOxygen (7) está por debajo del mínimo (9). DissolvedOxygen (7) está por encima del máximo (5).",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inside, reason := Evaluate(tt.value, tt.rule)
			assert.Equal(t, tt.wantInside, inside)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestEvaluate_BoundProperties(t *testing.T) {
	values := []float64{-10, 0, 4.99, 5, 5.01, 7.5, 9.99, 10, 10.01, 100}
	min, max := 5.0, 10.0

	for _, v := range values {
		minOnly, _ := Evaluate(v, models.ThresholdRule{ParameterName: "p", Min: &min})
		assert.Equal(t, !(v < min), minOnly, "min only, value %v", v)

		maxOnly, _ := Evaluate(v, models.ThresholdRule{ParameterName: "p", Max: &max})
		assert.Equal(t, !(v > max), maxOnly, "max only, value %v", v)

		both, _ := Evaluate(v, models.ThresholdRule{ParameterName: "p", Min: &min, Max: &max})
		assert.Equal(t, !(v < min || v > max), both, "both, value %v", v)

		none, reason := Evaluate(v, models.ThresholdRule{ParameterName: "p"})
		assert.True(t, none)
		assert.Empty(t, reason)
	}
}

func TestEvaluateReading(t *testing.T) {
	active := &models.ThresholdRule{ParameterID: 1, ParameterName: "pH", Min: f(6.5), Max: f(8.0), Active: true}
	inactive := &models.ThresholdRule{ParameterID: 1, ParameterName: "pH", Min: f(6.5), Max: f(8.0), Active: false}

	t.Run("out of range", func(t *testing.T) {
		finding := EvaluateReading(models.Reading{ParameterID: 1, ParameterName: "pH", Value: 5.9}, active, EvaluateOptions{})
		require.NotNil(t, finding)
		assert.Equal(t, "pH (5.9) está por debajo del mínimo (6.5).", finding.Reason)
		assert.False(t, finding.Forced)
	})

	t.Run("in range", func(t *testing.T) {
		assert.Nil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7}, active, EvaluateOptions{}))
	})

	t.Run("inactive rule never produces a finding", func(t *testing.T) {
		for _, v := range []float64{-100, 0, 5.9, 7, 100} {
			assert.Nil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: v}, inactive, EvaluateOptions{}))
		}
	})

	t.Run("missing rule", func(t *testing.T) {
		assert.Nil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 0}, nil, EvaluateOptions{}))
	})

	t.Run("force flag overrides an in-range value", func(t *testing.T) {
		finding := EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, active, EvaluateOptions{})
		require.NotNil(t, finding)
		assert.True(t, finding.Forced)
		assert.Empty(t, finding.Reason)
	})

	t.Run("force flag is independent of rule activity by default", func(t *testing.T) {
		assert.NotNil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, inactive, EvaluateOptions{}))
		assert.NotNil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, nil, EvaluateOptions{}))
	})

	t.Run("force flag can be tied to an active rule", func(t *testing.T) {
		opts := EvaluateOptions{ForceFlagRequiresActiveRule: true}
		assert.Nil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, inactive, opts))
		assert.Nil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, nil, opts))
		assert.NotNil(t, EvaluateReading(models.Reading{ParameterName: "pH", Value: 7, ForceAlert: true}, active, opts))
	})
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "5.9", FormatNumber(5.9))
	assert.Equal(t, "25", FormatNumber(25.0))
	assert.Equal(t, "-0.125", FormatNumber(-0.125))
}
