package logger

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := stdLogger.Writer()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		t.Run(levelToString(level), func(t *testing.T) {
			SetLevel(level)
			if GetLevel() != level {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), level)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"mixed case warn", "WaRn", WARN},
		{"surrounding space", " debug ", DEBUG},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "TRACE", levelToString(TRACE))
	assert.Equal(t, "FATAL", levelToString(FATAL))
	assert.Equal(t, "UNKNOWN", levelToString(LogLevel(99)))
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logFunc         func(string, ...any)
		shouldBePrinted bool
	}{
		{"trace with trace level", TRACE, Trace, true},
		{"trace with debug level", DEBUG, Trace, false},
		{"debug with debug level", DEBUG, Debug, true},
		{"debug with info level", INFO, Debug, false},
		{"info with info level", INFO, Info, true},
		{"info with warn level", WARN, Info, false},
		{"warn with warn level", WARN, Warn, true},
		{"warn with error level", ERROR, Warn, false},
		{"error with error level", ERROR, Error, true},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)
			output := captureOutput(func() {
				tt.logFunc("test message")
			})

			if tt.shouldBePrinted && output == "" {
				t.Errorf("Expected log output but got none with current level %s", levelToString(tt.currentLevel))
			}
			if !tt.shouldBePrinted && output != "" {
				t.Errorf("Expected no log output but got %q with current level %s", output, levelToString(tt.currentLevel))
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		Warn("blocked %s (total blocked: %d)", "ads.example.com", 3)
	})
	assert.Contains(t, output, "[WARN]")
	assert.Contains(t, output, "blocked ads.example.com (total blocked: 3)")

	output = captureOutput(func() {
		Error("error: %v, code: %d", fmt.Errorf("test error"), 500)
	})
	assert.Contains(t, output, "[ERROR] error: test error, code: 500")
}

func TestLevelFromEnv(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	t.Setenv(EnvLevel, "")
	SetLevel(INFO)
	assert.False(t, LevelFromEnv())
	assert.Equal(t, INFO, GetLevel())

	t.Setenv(EnvLevel, "error")
	assert.True(t, LevelFromEnv())
	assert.Equal(t, ERROR, GetLevel())
}

func TestConcurrentLevelAccess(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	output := captureOutput(func() {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					SetLevel(ERROR)
				} else {
					_ = IsLevelEnabled(DEBUG)
				}
			}(i)
		}
		wg.Wait()
	})
	assert.Empty(t, output)
}

func TestForConnection(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	tests := []struct {
		name     string
		id       int64
		log      func(ConnLogger)
		expected string
	}{
		{"info", 42, func(c ConnLogger) { c.Info("dial failed for %s", "example.com:80") }, "[INFO] [conn 42] dial failed for example.com:80"},
		{"warn", 0, func(c ConnLogger) { c.Warn("closing") }, "[WARN] [conn 0] closing"},
		{"percent in argument", 7, func(c ConnLogger) { c.Error("host %s", "a%db") }, "[ERROR] [conn 7] host a%db"},
		{"filtered level", 9, func(c ConnLogger) { c.Debug("hidden") }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(func() { tt.log(ForConnection(tt.id)) })
			if tt.expected == "" {
				assert.Empty(t, output)
				return
			}
			assert.Contains(t, output, tt.expected)
		})
	}
}
