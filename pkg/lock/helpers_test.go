package lock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// logBuffer collects the JSON logs of a zerolog logger written from any goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (b *logBuffer) entries(t *testing.T) []logEntry {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []logEntry

	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}

		var e logEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}

		entries = append(entries, e)
	}

	return entries
}

// count returns the number of entries with the given level and message.
func (b *logBuffer) count(t *testing.T, level, message string) int {
	t.Helper()

	var n int

	for _, e := range b.entries(t) {
		if e.Level == level && e.Message == message {
			n++
		}
	}

	return n
}

// newLogContext returns a context carrying a debug logger writing into a logBuffer.
func newLogContext(t *testing.T) (context.Context, *logBuffer) {
	t.Helper()

	buf := &logBuffer{}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)

	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	t.Cleanup(cancel)

	return ctx, buf
}
