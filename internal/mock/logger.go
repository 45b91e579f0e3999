// Package mock provides in-memory collaborators for testing
package mock

import (
	"fmt"
	"sync"

	"tradecore/internal/core"
)

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []interface{}
}

// MockLogger captures log calls for assertions. Safe for concurrent use.
type MockLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (l *MockLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Fields: fields})
}

func (l *MockLogger) Debug(msg string, fields ...interface{}) { l.log("DEBUG", msg, fields...) }
func (l *MockLogger) Info(msg string, fields ...interface{})  { l.log("INFO", msg, fields...) }
func (l *MockLogger) Warn(msg string, fields ...interface{})  { l.log("WARN", msg, fields...) }
func (l *MockLogger) Error(msg string, fields ...interface{}) { l.log("ERROR", msg, fields...) }

func (l *MockLogger) Fatal(msg string, fields ...interface{}) {
	panic(fmt.Sprintf("fatal: %s", msg))
}

func (l *MockLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *MockLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// Entries returns a copy of everything logged so far.
func (l *MockLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// HasMessage reports whether any entry contains the given message.
func (l *MockLogger) HasMessage(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Msg == msg {
			return true
		}
	}
	return false
}
