package models

import "time"

// ThresholdRule bounds a parameter. A nil bound is unbounded on that side.
type ThresholdRule struct {
	ID            int64     `json:"id"`
	ParameterID   int64     `json:"parameter_id"`
	ParameterName string    `json:"parameter_name"`
	Min           *float64  `json:"min,omitempty"`
	Max           *float64  `json:"max,omitempty"`
	Action        string    `json:"action,omitempty"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}
