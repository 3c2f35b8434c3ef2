package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one delivery of an alert through one channel.
type Notification struct {
	ID        [16]byte           `json:"id"`
	AlertID   int64              `json:"alert_id"`
	Channel   string             `json:"channel"`
	Subject   string             `json:"subject,omitempty"`
	Body      string             `json:"body,omitempty"`
	Status    NotificationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
}

// MarshalJSON customizes JSON serialization for Notification to return the UUID as a string.
func (n Notification) MarshalJSON() ([]byte, error) {
	type Alias Notification
	return json.Marshal(&struct {
		ID string `json:"id"`
		*Alias
	}{
		ID:    uuid.UUID(n.ID).String(),
		Alias: (*Alias)(&n),
	})
}

// Message is a formatted alert ready for an outbound channel.
type Message struct {
	AlertID int64  `json:"alert_id"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	// Alert and Context travel with the text for channels that forward
	// structured payloads.
	Alert   Alert              `json:"alert"`
	Context MeasurementContext `json:"context"`
}

// DeliveryResult describes an accepted delivery.
type DeliveryResult struct {
	Channel    string `json:"channel"`
	ExternalID string `json:"external_id,omitempty"`
}
