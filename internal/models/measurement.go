package models

import "time"

// Measurement is one ingestion event with its ordered readings.
type Measurement struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"device_id"`
	SensorID  int64     `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
	Readings  []Reading `json:"readings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reading is a single parameter value of a measurement.
type Reading struct {
	ParameterID   int64   `json:"parameter_id"`
	ParameterName string  `json:"parameter_name"`
	Value         float64 `json:"value"`
	// SensorID is set when the device reported the reading for a specific probe.
	SensorID *int64 `json:"sensor_id,omitempty"`
	// ForceAlert is the device-supplied alert sentinel.
	ForceAlert bool `json:"alert,omitempty"`
}

// Finding is the verdict that one reading of a measurement violates its rule.
type Finding struct {
	ParameterID   int64   `json:"parameter_id"`
	ParameterName string  `json:"parameter_name"`
	Value         float64 `json:"value"`
	Reason        string  `json:"reason,omitempty"`
	Forced        bool    `json:"forced,omitempty"`
}

// MeasurementContext is what the dispatcher needs to describe an alert.
type MeasurementContext struct {
	Measurement Measurement     `json:"measurement"`
	Hierarchy   DeviceHierarchy `json:"hierarchy"`
	Findings    []Finding       `json:"findings"`
}
