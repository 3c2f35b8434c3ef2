package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"aquamonitor/internal/models"
)

const signatureHeader = "X-Aquamonitor-Signature"

// WebhookPayload is the JSON body posted for each alert.
type WebhookPayload struct {
	Event   string                    `json:"event"`
	Subject string                    `json:"subject"`
	Text    string                    `json:"text"`
	Alert   models.Alert              `json:"alert"`
	Context models.MeasurementContext `json:"context"`
}

// Webhook posts alerts as JSON to an HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	secret string
}

func NewWebhook(url, secret string, timeout time.Duration) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("missing webhook url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Webhook{client: client, url: url, secret: secret}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) SendMessage(ctx context.Context, msg models.Message) (models.DeliveryResult, error) {
	body, err := json.Marshal(WebhookPayload{
		Event:   "alert.created",
		Subject: msg.Subject,
		Text:    msg.Text,
		Alert:   msg.Alert,
		Context: msg.Context,
	})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := w.client.R().SetContext(ctx).SetBody(body)
	if w.secret != "" {
		req.SetHeader(signatureHeader, Sign(w.secret, body))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return models.DeliveryResult{}, fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return models.DeliveryResult{Channel: w.Name(), ExternalID: resp.Header().Get("X-Request-Id")}, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
