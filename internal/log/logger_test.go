package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			_, err := parseLevel(input)
			assert.Error(t, err)
		})
	}
}

func TestInitStdoutOnly(t *testing.T) {
	require.NoError(t, Init(config.LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, slog.Default())
	assert.Equal(t, logrus.InfoLevel, Logrus().GetLevel())
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
					Compress:   true,
				},
			},
		},
	}
	require.NoError(t, Init(cfg))
	t.Cleanup(func() { Close() })

	slog.Info("test message", "key", "value")
	SIPLogger("parser").Debugf("bridged %d", 7)
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test message")
	assert.Contains(t, string(data), "key=value")
	assert.Contains(t, string(data), "bridged 7")
	assert.Contains(t, string(data), "component=parser")
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"invalid level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"invalid format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"missing file path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCreateFileWriter(t *testing.T) {
	fc := config.FileOutputConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "test.log"),
	}
	writer, err := createFileWriter(fc)
	require.NoError(t, err)
	defer writer.Close()

	n, err := writer.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSIPLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	sl := &sipLogger{entry: logrus.NewEntry(l)}
	withFields := sl.WithFields(map[string]interface{}{"call_id": "abc"})
	assert.Empty(t, sl.Fields(), "WithFields returns a new logger")
	assert.Equal(t, "abc", withFields.Fields()["call_id"])

	prefixed := withFields.WithPrefix("sip.parser")
	assert.Equal(t, "sip.parser", prefixed.Prefix())
	prefixed.Warn("bad header")
	prefixed.Fatal("still running")

	out := buf.String()
	assert.Contains(t, out, `"call_id":"abc"`)
	assert.Contains(t, out, `"component":"sip.parser"`)
	assert.Contains(t, out, `"level":"error"`)
}

func TestLogrusLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, logrusLevel(slog.LevelDebug))
	assert.Equal(t, logrus.WarnLevel, logrusLevel(slog.LevelWarn))
	assert.Equal(t, logrus.ErrorLevel, logrusLevel(slog.LevelError))
}
