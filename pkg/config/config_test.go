package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/plaenen/eventlane/pkg/config"
	"github.com/plaenen/eventlane/pkg/lane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, config.TransportDirect, cfg.Transport)
	assert.Equal(t, "eventlane.db", cfg.SQLiteDSN)
	assert.Equal(t, "EVENTLANE", cfg.NATSStream)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)

	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)

	assert.Equal(t, config.LaneConfig{
		ProcessingTimeout:  5 * time.Second,
		RestartPolicy:      lane.RetrySameEvent,
		RestartBackoff:     100 * time.Millisecond,
		StopGrace:          time.Second,
		MaxAttempts:        0,
		QueueWarnThreshold: 1000,
	}, cfg.Lane)
}

func TestOverrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"EVENTLANE_STORE":              "sqlite",
		"EVENTLANE_SQLITE_DSN":         "/tmp/events.db",
		"EVENTLANE_TRANSPORT":          "nats",
		"EVENTLANE_PROCESSING_TIMEOUT": "250ms",
		"EVENTLANE_RESTART_POLICY":     "skip-to-next",
		"EVENTLANE_MAX_ATTEMPTS":       "5",
		"EVENTLANE_LOG_LEVEL":          "debug",
		"EVENTLANE_LOG_FORMAT":         "json",
		"EVENTLANE_DISPATCH_TIMEOUT":   "2s",
	})
	require.NoError(t, err)

	assert.Equal(t, config.StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/events.db", cfg.SQLiteDSN)
	assert.Equal(t, config.TransportNATS, cfg.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.Lane.ProcessingTimeout)
	assert.Equal(t, lane.SkipToNext, cfg.Lane.RestartPolicy)
	assert.Equal(t, 5, cfg.Lane.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Timeout)
	assert.Len(t, cfg.Lane.LaneOptions(), 6)
	assert.Len(t, cfg.Dispatch.DispatcherOptions(), 2)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store", env: map[string]string{"EVENTLANE_STORE": "postgres"}},
		{name: "unknown transport", env: map[string]string{"EVENTLANE_TRANSPORT": "kafka"}},
		{name: "unknown policy", env: map[string]string{"EVENTLANE_RESTART_POLICY": "drop"}},
		{name: "zero timeout", env: map[string]string{"EVENTLANE_PROCESSING_TIMEOUT": "0s"}},
		{name: "negative timeout", env: map[string]string{"EVENTLANE_DISPATCH_TIMEOUT": "-1s"}},
		{name: "bad duration", env: map[string]string{"EVENTLANE_STOP_GRACE": "soon"}},
		{name: "negative attempts", env: map[string]string{"EVENTLANE_MAX_ATTEMPTS": "-1"}},
		{name: "zero warn threshold", env: map[string]string{"EVENTLANE_QUEUE_WARN_THRESHOLD": "0"}},
		{name: "unknown level", env: map[string]string{"EVENTLANE_LOG_LEVEL": "loud"}},
		{name: "unknown format", env: map[string]string{"EVENTLANE_LOG_FORMAT": "xml"}},
		{name: "empty dsn", env: map[string]string{"EVENTLANE_STORE": "sqlite", "EVENTLANE_SQLITE_DSN": " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFrom(tt.env)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"EVENTLANE_LOG_FORMAT": "json",
		"EVENTLANE_LOG_LEVEL":  "warn",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "lane", "item-projection")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"lane":"item-projection"`)
}
