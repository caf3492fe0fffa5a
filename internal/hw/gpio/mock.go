package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// MockChip is an in-memory chip used for development on PC and in tests.
// Lines idle High (pulled up). Drive changes a line's level and delivers
// the edge synchronously on the caller's goroutine.
type MockChip struct {
	mu      sync.Mutex
	open    bool
	opens   int
	closes  int
	levels  map[int]Level
	watches map[int]func(Level)
	// FailOpen and FailClaim simulate missing hardware.
	FailOpen  bool
	FailClaim map[int]bool
}

// NewMockChip creates an unopened mock chip.
func NewMockChip() *MockChip {
	return &MockChip{
		levels:    make(map[int]Level),
		watches:   make(map[int]func(Level)),
		FailClaim: make(map[int]bool),
	}
}

func (m *MockChip) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOpen {
		return fmt.Errorf("mock chip unavailable")
	}
	m.open = true
	m.opens++
	debug.Trace("GPIO Open (mock)")
	return nil
}

func (m *MockChip) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closes++
	debug.Trace("GPIO Close (mock)")
	return nil
}

// IsOpen reports whether the chip is currently open.
func (m *MockChip) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Counts returns how many times the chip was opened and closed.
func (m *MockChip) Counts() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

func (m *MockChip) ClaimInput(line int) (Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, fmt.Errorf("mock chip not open")
	}
	if m.FailClaim[line] {
		return nil, fmt.Errorf("mock line %d busy", line)
	}
	if _, ok := m.levels[line]; !ok {
		m.levels[line] = High
	}
	return &mockLine{chip: m, line: line}, nil
}

// Drive sets line to level. If the level changes and the line is watched,
// the edge is delivered before Drive returns.
func (m *MockChip) Drive(line int, level Level) {
	m.mu.Lock()
	prev, ok := m.levels[line]
	if !ok {
		prev = High
	}
	m.levels[line] = level
	fn := m.watches[line]
	m.mu.Unlock()

	if fn != nil && prev != level {
		fn(level)
	}
}

// Set changes a line's level without delivering an edge.
func (m *MockChip) Set(line int, level Level) {
	m.mu.Lock()
	m.levels[line] = level
	m.mu.Unlock()
}

type mockLine struct {
	chip *MockChip
	line int
}

func (l *mockLine) Read() (Level, error) {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	return l.chip.levels[l.line], nil
}

func (l *mockLine) Watch(onEdge func(Level)) error {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	l.chip.watches[l.line] = onEdge
	return nil
}

func (l *mockLine) Release() error {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	delete(l.chip.watches, l.line)
	return nil
}
