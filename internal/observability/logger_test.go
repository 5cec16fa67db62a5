// internal/observability/logger_test.go
package observability

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/omegabot/omega/internal/config"
)

// bufferSink is a WriteSyncer over an in-memory buffer.
type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func TestNew_ConsoleFormat(t *testing.T) {
	sink := &bufferSink{}
	logger := New(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "omega"}, sink)

	logger.Named("analyst").Info("Cycle started.", zap.String("cycle_id", "abc"))
	require.NoError(t, logger.Sync())

	out := sink.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "omega.analyst.")
	assert.Contains(t, out, "Cycle started.")
	assert.Contains(t, out, `"cycle_id": "abc"`)
}

func TestNew_JSONFormat(t *testing.T) {
	sink := &bufferSink{}
	logger := New(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "omega"}, sink)

	logger.Debug("hidden")
	logger.Warn("Proposal deferred.", zap.Int64("proposal_id", 7))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Len(t, lines, 1, "debug must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "omega", entry["logger"])
	assert.Equal(t, "Proposal deferred.", entry["msg"])
	assert.EqualValues(t, 7, entry["proposal_id"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	sink := &bufferSink{}
	logger := New(config.LoggerConfig{Level: "loud", Format: "json"}, sink)

	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, logger.Sync())
	assert.NotContains(t, sink.String(), "hidden")
	assert.Contains(t, sink.String(), "shown")
}

func TestNew_FileSink(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "omega.log")
	sink := &bufferSink{}
	logger := New(config.LoggerConfig{
		Level:      "info",
		Format:     "console",
		LogFile:    logFile,
		MaxSize:    1,
		MaxBackups: 1,
	}, sink)

	logger.Info("Written to both sinks.")
	require.NoError(t, logger.Sync())

	f, err := os.Open(logFile)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "file sink is always JSON")
	assert.Equal(t, "Written to both sinks.", entry["msg"])
	assert.Contains(t, sink.String(), "Written to both sinks.")
}

func TestInitializeOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &bufferSink{}
	second := &bufferSink{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)

	GetLogger().Info("only once")
	Sync()

	assert.Contains(t, first.String(), "only once")
	assert.Empty(t, second.String())
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestColorizedLevelEncoderUnknownColor(t *testing.T) {
	assert.Nil(t, pickColor("chartreuse", ""))
	assert.NotNil(t, pickColor("", "red"))
	assert.NotNil(t, pickColor("Blue", "red"))
}
