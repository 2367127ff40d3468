package mocks

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockLogger is a zap logger whose entries are kept for assertions.
type MockLogger struct {
	*zap.Logger
	logs *observer.ObservedLogs
}

// NewMockLogger records every entry at debug level and above.
func NewMockLogger() *MockLogger {
	core, logs := observer.New(zapcore.DebugLevel)
	return &MockLogger{Logger: zap.New(core), logs: logs}
}

// GetMessagesByLevel returns the entries logged at level.
func (m *MockLogger) GetMessagesByLevel(level zapcore.Level) []observer.LoggedEntry {
	return m.logs.FilterLevelExact(level).All()
}

// HasMessage checks if a specific message was logged
func (m *MockLogger) HasMessage(level zapcore.Level, message string) bool {
	return m.logs.FilterLevelExact(level).FilterMessage(message).Len() > 0
}

// Reset clears all logged messages
func (m *MockLogger) Reset() {
	m.logs.TakeAll()
}

// String returns a string representation of all messages
func (m *MockLogger) String() string {
	var b strings.Builder
	for _, entry := range m.logs.All() {
		fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(entry.Level.String()), entry.Message)
		if fields := entry.ContextMap(); len(fields) > 0 {
			fmt.Fprintf(&b, " %v", fields)
		}
		b.WriteString("\n")
	}
	return b.String()
}
