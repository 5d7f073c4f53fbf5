package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONHandlerKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewJSONHandler(&buf, slog.LevelInfo))
	logger.Info("probe finished", "state", "ready")
	logger.Debug("dropped")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "probe finished", rec["message"])
	assert.Equal(t, "INFO", rec["severity"])
	assert.Equal(t, "ready", rec["state"])
	assert.Contains(t, rec, "timestamp")
	assert.NotContains(t, rec, "msg")
}

func TestFanoutRespectsLevels(t *testing.T) {
	var debug, warn bytes.Buffer
	logger := slog.New(Fanout(
		NewJSONHandler(&debug, slog.LevelDebug),
		nil,
		NewJSONHandler(&warn, slog.LevelWarn),
	)).With("component", "test")

	logger.Debug("a")
	logger.Warn("b")

	assert.Equal(t, 2, countLines(t, &debug))
	assert.Equal(t, 1, countLines(t, &warn))
	assert.Contains(t, warn.String(), `"component":"test"`)
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("closed pipe") }

func TestFanoutContinuesAfterError(t *testing.T) {
	var buf bytes.Buffer
	h := Fanout(failingHandler{}, NewJSONHandler(&buf, slog.LevelInfo))

	err := slog.New(h).Handler().Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "x", 0))
	assert.Error(t, err)
	assert.Equal(t, 1, countLines(t, &buf))
}

func TestSetupWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var primary bytes.Buffer
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, closer := Setup(Options{
		Service:   "cln-floresta",
		Level:     slog.LevelInfo,
		File:      path,
		MaxSizeMB: 1,
	}, NewJSONHandler(&primary, slog.LevelInfo))

	logger.Info("started", "endpoints", 1)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "started", rec["message"])
	assert.Equal(t, "cln-floresta", rec["service"])
	assert.Contains(t, primary.String(), `"service":"cln-floresta"`)
	assert.Equal(t, logger, slog.Default())
}

func TestSetupWithoutFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var primary bytes.Buffer
	logger, closer := Setup(Options{Level: slog.LevelInfo}, NewJSONHandler(&primary, slog.LevelInfo))
	logger.Info("hello")
	assert.NoError(t, closer.Close())
	assert.Equal(t, 1, countLines(t, &primary))
}

func countLines(t *testing.T, buf *bytes.Buffer) int {
	t.Helper()
	n := 0
	s := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for s.Scan() {
		n++
	}
	return n
}
