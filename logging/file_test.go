package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test1.log")
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("log file was not created")
		}
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test2.log")
		if err := os.WriteFile(path, []byte("existing content\n"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Write([]byte("new content\n"))
		logger.Close()

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(content), "existing content") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(string(content), "new content") {
			t.Error("new content was not appended")
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log"); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLogger_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := logger.Write([]byte("should not appear\n")); err != nil {
		t.Errorf("Write after close returned %v", err)
	}
	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "should not appear") {
		t.Error("wrote after close")
	}
}

func TestNewLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	file, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	log := NewLogger(file, zerolog.InfoLevel)
	log.Info().Str("plc", "press1").Msg("connected")
	log.Debug().Msg("filtered out")
	file.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), content)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["plc"] != "press1" || entry["message"] != "connected" || entry["level"] != "info" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	file, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	log := NewLogger(file, zerolog.InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log.Info().Int("n", n).Msg("message from goroutine")
		}(i)
	}
	wg.Wait()
	file.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDebugLoggerFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	if unknown := dl.SetFilter("plcman, Bogus"); len(unknown) != 1 || unknown[0] != "bogus" {
		t.Errorf("unknown protocols = %v", unknown)
	}
	dl.Log("plcman", "poll ok")
	dl.Log("s7", "read 3 tags")
	dl.Log("mqtt", "published")
	dl.LogRX("s7", []byte{0x01, 0x02})
	dl.Close()

	content, _ := os.ReadFile(path)
	str := string(content)
	if !strings.Contains(str, "[plcman] poll ok") {
		t.Error("missing plcman line")
	}
	if !strings.Contains(str, "[s7] read 3 tags") {
		t.Error("s7 should be enabled alongside plcman")
	}
	if !strings.Contains(str, "0000: 01 02") {
		t.Error("missing hex dump")
	}
	if strings.Contains(str, "published") {
		t.Error("mqtt should be filtered out")
	}
}

func TestGlobalDebugHelpers(t *testing.T) {
	DebugLog("plcman", "dropped, no logger installed")

	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	SetGlobalDebugLogger(dl)
	DebugLog("plcman", "poll %d ok", 3)
	DebugConnect("s7", "10.0.0.5:102")
	SetGlobalDebugLogger(nil)
	DebugLog("plcman", "after reset")
	dl.Close()

	content, _ := os.ReadFile(path)
	str := string(content)
	if !strings.Contains(str, "[plcman] poll 3 ok") {
		t.Error("missing plcman line")
	}
	if !strings.Contains(str, "10.0.0.5:102") {
		t.Error("missing connect line")
	}
	if strings.Contains(str, "after reset") {
		t.Error("helpers should be silent once the logger is cleared")
	}
}
