package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/db/memdb"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		Action:   "MEASUREMENT_CREATED",
		Entity:   "measurement",
		EntityID: "12",
		UserID:   "operator-1",
		Details:  map[string]interface{}{"readings": 3},
	}
}

func TestStoreLogger(t *testing.T) {
	store := memdb.New()
	require.NoError(t, NewStoreLogger(store).Log(context.Background(), sampleEntry()))

	entries := store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "MEASUREMENT_CREATED", entries[0].Action)
	assert.NotZero(t, entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestLogLogger(t *testing.T) {
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)

	require.NoError(t, NewLogLogger(logger).Log(context.Background(), sampleEntry()))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "activity", entry.Message)
	assert.Equal(t, "measurement", entry.Data["entity"])
	assert.Equal(t, "operator-1", entry.Data["user_id"])
	assert.Equal(t, 3, entry.Data["detail_readings"])
}

func TestStoreLogger_FallbackOnWriteFailure(t *testing.T) {
	store := memdb.New()
	store.InjectFault("InsertAuditEntry", errors.New("connection reset"))
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)

	err := NewStoreLogger(store).WithFallback(NewLogLogger(logger)).Log(context.Background(), sampleEntry())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
	assert.Empty(t, store.AuditEntries())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "activity", entry.Message)
	assert.Equal(t, "MEASUREMENT_CREATED", entry.Data["action"])
}

func TestStoreLogger_NoFallbackOnSuccess(t *testing.T) {
	store := memdb.New()
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)

	require.NoError(t, NewStoreLogger(store).WithFallback(NewLogLogger(logger)).Log(context.Background(), sampleEntry()))
	assert.Len(t, store.AuditEntries(), 1)
	assert.Empty(t, hook.AllEntries())
}
