package poller

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultInterval is used when Start is called with a non-positive interval.
const DefaultInterval = 5 * time.Second

// Refresher re-fetches the board.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler periodically refreshes a board as a backstop for lost push events.
type Scheduler struct {
	refresher Refresher
	logger    *log.Entry

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

func New(refresher Refresher, logger *log.Entry) *Scheduler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Scheduler{refresher: refresher, logger: logger}
}

// Start begins polling. Calling Start while running restarts the loop with
// the new interval.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.interval = interval
	go s.loop(ctx, interval, done)
	s.logger.WithField("interval", interval).Debug("polling started")
}

// Stop cancels polling and waits for the loop to exit. No refresh begins
// after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLocked() {
		s.logger.Debug("polling stopped")
	}
}

func (s *Scheduler) stopLocked() bool {
	if s.cancel == nil {
		return false
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.interval = 0
	return true
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Interval returns the active interval, or zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := s.refresher.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Debug("poll refresh failed")
			}
		}
	}
}
