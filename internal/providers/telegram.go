package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

// TelegramConfig holds bot token and target chats.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []int64
	// RateLimit is the number of messages per second, also used as burst.
	RateLimit int
	// ServerURL overrides the Bot API endpoint, e.g. for a local Bot API
	// server or tests.
	ServerURL string
}

// maxPendingAlerts bounds the partially delivered alerts remembered between
// retries.
const maxPendingAlerts = 1024

// Telegram delivers alerts through the go-telegram/bot client.
type Telegram struct {
	bot     *bot.Bot
	chatIDs []int64
	limiter *rate.Limiter
	logger  *logging.Logger

	// delivered holds, per alert id, the chats that already got the alert
	// while another chat failed. A retry only sends to the rest.
	mu        sync.Mutex
	delivered map[int64]map[int64]string
}

func NewTelegram(cfg TelegramConfig, logger *logging.Logger) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("missing telegram bot token")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("missing telegram chat ids")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}

	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}
	b, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	return &Telegram{
		bot:     b,
		chatIDs: cfg.ChatIDs,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)), cfg.RateLimit),
		logger:  logger,

		delivered: make(map[int64]map[int64]string),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// SendMessage posts the message text to every configured chat. When some
// chats fail, the ones that succeeded are skipped on the next call for the
// same alert.
func (t *Telegram) SendMessage(ctx context.Context, msg models.Message) (models.DeliveryResult, error) {
	done := t.sentChats(msg.AlertID)
	var errs []error
	for _, chatID := range t.chatIDs {
		if _, ok := done[chatID]; ok {
			continue
		}
		if err := t.limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telegram send cancelled: %w", err))
			break
		}
		sent, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   msg.Text,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to send Telegram message to chat_id %d: %w", chatID, err))
			continue
		}
		done[chatID] = strconv.Itoa(sent.ID)
		t.logger.Debugf("Telegram message %d sent to chat_id %d", sent.ID, chatID)
	}
	if len(errs) > 0 {
		t.rememberChats(msg.AlertID, done)
		return models.DeliveryResult{}, errors.Join(errs...)
	}
	t.rememberChats(msg.AlertID, nil)

	ids := make([]string, 0, len(t.chatIDs))
	for _, chatID := range t.chatIDs {
		ids = append(ids, done[chatID])
	}
	return models.DeliveryResult{Channel: t.Name(), ExternalID: strings.Join(ids, ",")}, nil
}

// sentChats returns a copy of the chats already served for alertID.
func (t *Telegram) sentChats(alertID int64) map[int64]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	done := make(map[int64]string, len(t.chatIDs))
	for chatID, id := range t.delivered[alertID] {
		done[chatID] = id
	}
	return done
}

// rememberChats stores done for alertID, or forgets the alert when done is
// empty. Alerts without id are not tracked.
func (t *Telegram) rememberChats(alertID int64, done map[int64]string) {
	if alertID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(done) == 0 {
		delete(t.delivered, alertID)
		return
	}
	if _, ok := t.delivered[alertID]; !ok && len(t.delivered) >= maxPendingAlerts {
		t.logger.Warnf("Too many partially delivered Telegram alerts, dropping %d entries", len(t.delivered))
		t.delivered = make(map[int64]map[int64]string)
	}
	t.delivered[alertID] = done
}
