// SPDX-License-Identifier: MIT

// Package clock abstracts time for deterministic testing. Retention math
// across the trackers, the scorer, and the scheduler all run against the
// same injected clock.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock provides deterministic time control for testing.
type MockClock struct {
	mu       sync.Mutex
	now      time.Time
	afterChs []afterCh
}

type afterCh struct {
	at time.Time
	ch chan time.Time
}

// NewMockClock creates a mock clock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	m.afterChs = append(m.afterChs, afterCh{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the mock clock forward and fires timers that came due.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.afterChs[:0]
	for _, a := range m.afterChs {
		if !a.at.After(m.now) {
			select {
			case a.ch <- m.now:
			default:
			}
		} else {
			remaining = append(remaining, a)
		}
	}
	m.afterChs = remaining
}

// Set jumps the mock clock to an absolute time without firing timers.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
