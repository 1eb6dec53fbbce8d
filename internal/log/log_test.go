package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{" Error ", LevelError},
		{"chatty", LevelInfo}, // unknown falls back to info
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

// The global logger can only be initialized once per process, so the
// file-writing behaviors share a single Init here.
func TestLogger_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telecode.log")
	cleanup, err := Init(path)
	require.NoError(t, err)
	defer cleanup()

	tail := NewTail(context.Background(), 16)
	require.NotNil(t, tail)

	Info(CatServer, "instance ready", "port", 4096, "directory", "/tmp/proj")
	Debug(CatBot, "update received")
	ErrorErr(CatStore, "query failed", os.ErrNotExist)
	Warn(CatConfig, "odd fields", "orphan")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "[INFO] [server] instance ready port=4096 directory=/tmp/proj")
	assert.Contains(t, content, "[DEBUG] [bot] update received")
	assert.Contains(t, content, "[ERROR] [store] query failed error=file does not exist")
	assert.Contains(t, content, "[WARN] [config] odd fields orphan=<missing>")

	// Min level filtering drops lower-severity entries.
	SetMinLevel(LevelWarn)
	Info(CatServer, "should be filtered")
	SetMinLevel(LevelDebug)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be filtered")

	// Entries were republished to the tail.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && tail.Len() < 4 {
		time.Sleep(5 * time.Millisecond)
	}
	last := tail.Last(16)
	require.NotEmpty(t, last)
	assert.Contains(t, last[0], "instance ready")
}
