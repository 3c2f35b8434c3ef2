package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Options{Dir: dir, Level: "debug", Format: "json"})
	require.NoError(t, err)
	defer logger.Close()

	logger.Component("ingest").Infof("measurement %d stored", 42)

	data, err := os.ReadFile(filepath.Join(dir, "aquamonitor.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "measurement 42 stored")
	assert.Contains(t, string(data), `"component":"ingest"`)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := New(Options{Level: "chatty"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	logger.Close()
}
