package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultLogger(t *testing.T) {
	cfg := config.NewDefaultLogConfig()
	log, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_ = log // ensure variable is used
}

func TestBuilder_JSONConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.NewDefaultLogConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	l, err := NewLoggerBuilder().WithConfig(cfg).WithConsoleOutput(&buf).Build()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.Config().Level)

	zl := l.GetZerolog()
	zl.Info().Msg("dropped")
	zl.Warn().Str("component", "test").Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "warn", entry["level"])
}

func TestBuilder_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vulnerax.log")
	cfg := config.NewDefaultLogConfig()
	cfg.LogFile = path
	cfg.LogFormat = "json"

	l, err := NewLoggerBuilder().WithConfig(cfg).WithConsoleOutput(&bytes.Buffer{}).Build()
	require.NoError(t, err)
	assert.True(t, l.Config().EnableFile)

	l.GetZerolog().Info().Msg("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestConfigConverter_Fallbacks(t *testing.T) {
	converted, err := NewConfigConverter().ConvertConfig(config.LogConfig{LogLevel: "shouting"})
	assert.Error(t, err)
	assert.Equal(t, zerolog.InfoLevel, converted.Level)
	assert.Equal(t, FormatConsole, converted.Format)
	assert.Equal(t, config.DefaultMaxLogSizeMB, converted.MaxSizeMB)
	assert.Equal(t, config.DefaultMaxLogBackups, converted.MaxBackups)
	assert.False(t, converted.EnableFile)
}

func TestLogFormatParser(t *testing.T) {
	p := NewLogFormatParser()
	assert.Equal(t, FormatJSON, p.ParseFormat("JSON"))
	assert.Equal(t, FormatText, p.ParseFormat("text"))
	assert.Equal(t, FormatConsole, p.ParseFormat("anything"))
	assert.Equal(t, "json", FormatJSON.String())
}
