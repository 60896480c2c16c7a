package reconcile

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Marker records when the local user last moved a task or reordered columns
// and owns the pending coalesced refresh.
type Marker struct {
	now func() time.Time

	mu            sync.Mutex
	lastReorderAt time.Time
	lastMoveAt    time.Time
	pending       Timer
	gen           uint64
}

// NewMarker returns a marker reading time from now; nil uses time.Now.
func NewMarker(now func() time.Time) *Marker {
	if now == nil {
		now = time.Now
	}
	return &Marker{now: now}
}

// MarkReorder records a local column reorder.
func (m *Marker) MarkReorder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.now(); t.After(m.lastReorderAt) {
		m.lastReorderAt = t
	}
}

// MarkMove records a local task move and cancels the pending refresh. The
// local change already reflects what the refresh would fetch.
func (m *Marker) MarkMove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.now(); t.After(m.lastMoveAt) {
		m.lastMoveAt = t
	}
	m.cancelLocked()
}

// InMoveWindow reports whether now is strictly less than window after the
// last local move.
func (m *Marker) InMoveWindow(now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return inWindow(m.lastMoveAt, now, window)
}

// InReorderWindow reports whether now is strictly less than window after the
// last local reorder.
func (m *Marker) InReorderWindow(now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return inWindow(m.lastReorderAt, now, window)
}

func inWindow(last, now time.Time, window time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < window
}

// LastMoveAt returns the time of the last local move.
func (m *Marker) LastMoveAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMoveAt
}

// LastReorderAt returns the time of the last local reorder.
func (m *Marker) LastReorderAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReorderAt
}

// Pending reports whether a coalesced refresh is armed.
func (m *Marker) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// schedule arms fn after delay unless a refresh is already pending. It
// reports whether a new refresh was armed.
func (m *Marker) schedule(delay time.Duration, after AfterFunc, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return false
	}
	m.gen++
	gen := m.gen
	m.pending = after(delay, func() {
		m.mu.Lock()
		// a timer that fired after being cancelled or replaced must not run
		if m.pending == nil || m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.pending = nil
		m.mu.Unlock()
		fn()
	})
	return true
}

func (m *Marker) cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Marker) cancelLocked() {
	if m.pending == nil {
		return
	}
	m.pending.Stop()
	m.pending = nil
	m.gen++
}
