// Package audit records who did what to which entity.
package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

// Logger writes activity log entries. Callers treat failures as non-fatal.
type Logger interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Writer is the storage side of the activity log.
type Writer interface {
	InsertAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

// StoreLogger persists entries through a Writer.
type StoreLogger struct {
	writer   Writer
	fallback Logger
}

func NewStoreLogger(w Writer) *StoreLogger {
	return &StoreLogger{writer: w}
}

// WithFallback sets a Logger that receives entries the Writer rejected, so
// they still leave a trace. The write error is returned either way.
func (l *StoreLogger) WithFallback(fallback Logger) *StoreLogger {
	l.fallback = fallback
	return l
}

func (l *StoreLogger) Log(ctx context.Context, entry models.AuditEntry) error {
	err := l.writer.InsertAuditEntry(ctx, entry)
	if err != nil && l.fallback != nil {
		_ = l.fallback.Log(ctx, entry)
	}
	return err
}

// LogLogger emits entries as structured log lines only.
type LogLogger struct {
	logger *logging.Logger
}

func NewLogLogger(logger *logging.Logger) *LogLogger {
	return &LogLogger{logger: logger}
}

func (l *LogLogger) Log(_ context.Context, entry models.AuditEntry) error {
	fields := logrus.Fields{
		"component": "audit",
		"action":    entry.Action,
		"entity":    entry.Entity,
		"entity_id": entry.EntityID,
	}
	if entry.UserID != "" {
		fields["user_id"] = entry.UserID
	}
	for k, v := range entry.Details {
		fields["detail_"+k] = v
	}
	l.logger.WithFields(fields).Info("activity")
	return nil
}
