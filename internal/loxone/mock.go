package loxone

import (
	"context"
	"sync"
	"time"
)

// SentCommand records a command for testing
type SentCommand struct {
	Identifier string
	Args       []string
	Time       time.Time
}

// MockCommander implements Commander for testing
type MockCommander struct {
	mu       sync.Mutex
	commands []SentCommand
	errors   map[string]error
	now      func() time.Time
}

// NewMockCommander creates a new mock commander
func NewMockCommander() *MockCommander {
	return &MockCommander{
		commands: make([]SentCommand, 0),
		errors:   make(map[string]error),
		now:      time.Now,
	}
}

// SetTimeSource makes recorded commands carry times from now, typically a mock clock.
func (m *MockCommander) SetTimeSource(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailFor makes every command to identifier return err.
func (m *MockCommander) FailFor(identifier string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[identifier] = err
}

// SendCommand records the command
func (m *MockCommander) SendCommand(_ context.Context, identifier string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, SentCommand{
		Identifier: identifier,
		Args:       append([]string(nil), args...),
		Time:       m.now(),
	})
	return m.errors[identifier]
}

// Commands returns a copy of all recorded commands
func (m *MockCommander) Commands() []SentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]SentCommand, len(m.commands))
	copy(result, m.commands)
	return result
}

// CommandsFor returns the first argument of every command sent to identifier.
func (m *MockCommander) CommandsFor(identifier string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []string
	for _, c := range m.commands {
		if c.Identifier != identifier {
			continue
		}
		if len(c.Args) > 0 {
			result = append(result, c.Args[0])
		} else {
			result = append(result, "")
		}
	}
	return result
}

// Reset clears recorded commands
func (m *MockCommander) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = make([]SentCommand, 0)
}
