package rules

import (
	"fmt"
	"strconv"
	"strings"

	"aquamonitor/internal/models"
)

// Evaluate checks value against the bounds of rule. It does not look at
// rule.Active; callers skip inactive rules before evaluating.
func Evaluate(value float64, rule models.ThresholdRule) (inRange bool, reason string) {
	var reasons []string
	if rule.Min != nil && value < *rule.Min {
		reasons = append(reasons, fmt.Sprintf("%s (%s) está por debajo del mínimo (%s).",
			rule.ParameterName, FormatNumber(value), FormatNumber(*rule.Min)))
	}
	if rule.Max != nil && value > *rule.Max {
		reasons = append(reasons, fmt.Sprintf("%s (%s) está por encima del máximo (%s).",
			rule.ParameterName, FormatNumber(value), FormatNumber(*rule.Max)))
	}
	if len(reasons) == 0 {
		return true, ""
	}
	return false, strings.Join(reasons, " ")
}

// EvaluateOptions tune EvaluateReading.
type EvaluateOptions struct {
	// ForceFlagRequiresActiveRule makes the device alert flag count only
	// when the parameter has an active rule.
	ForceFlagRequiresActiveRule bool
}

// EvaluateReading produces a finding for one reading, or nil when there is
// nothing to report. rule may be nil when the parameter has no rule.
func EvaluateReading(reading models.Reading, rule *models.ThresholdRule, opts EvaluateOptions) *models.Finding {
	finding := models.Finding{
		ParameterID:   reading.ParameterID,
		ParameterName: reading.ParameterName,
		Value:         reading.Value,
	}

	active := rule != nil && rule.Active
	outOfRange := false
	if active {
		ok, reason := Evaluate(reading.Value, *rule)
		if !ok {
			outOfRange = true
			finding.Reason = reason
		}
	}

	if reading.ForceAlert && (active || !opts.ForceFlagRequiresActiveRule) {
		finding.Forced = true
	}

	if !outOfRange && !finding.Forced {
		return nil
	}
	return &finding
}

// FormatNumber renders a value in its shortest round-trip form (5.9, 25).
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
