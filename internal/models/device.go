package models

// SensorType is the physical magnitude a sensor measures.
type SensorType string

const (
	SensorTypePH              SensorType = "PH"
	SensorTypeTemperature     SensorType = "TEMPERATURE"
	SensorTypeDissolvedOxygen SensorType = "DISSOLVED_OXYGEN"
	SensorTypeTSS             SensorType = "TSS"
	SensorTypeTDS             SensorType = "TDS"
	SensorTypeOther           SensorType = "OTHER"
)

// Device is a monitoring controller installed in a tank.
type Device struct {
	ID     int64  `json:"id"`
	Serial string `json:"serial_number"`
	Name   string `json:"name"`
	Status string `json:"status"`
	TankID int64  `json:"tank_id"`
}

// Sensor is a probe attached to a device.
type Sensor struct {
	ID       int64      `json:"id"`
	Serial   string     `json:"serial_number"`
	Model    string     `json:"model"`
	Type     SensorType `json:"type"`
	Status   string     `json:"status"`
	DeviceID int64      `json:"device_id"`
}

// Parameter is a named physical quantity, e.g. pH.
type Parameter struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DeviceHierarchy holds the display names used in notifications.
type DeviceHierarchy struct {
	FacilityName string `json:"facility_name"`
	TankName     string `json:"tank_name"`
	DeviceName   string `json:"device_name"`
	DeviceSerial string `json:"device_serial"`
}
