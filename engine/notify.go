package engine

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Notifier shows remote changes to the user.
type Notifier interface {
	Notify(n domain.Notification)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *log.Entry
}

func (l LogNotifier) Notify(n domain.Notification) {
	logger := l.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger.WithFields(log.Fields{
		"board":  n.BoardID,
		"kind":   n.Kind,
		"entity": n.EntityID,
		"actor":  n.ActorID,
	}).Info(n.Message)
}

const defaultFeedBuffer = 16

// Feed fans notifications out to subscribers. A subscriber that falls more
// than its buffer behind misses notifications instead of blocking others.
type Feed struct {
	buffer int

	mu   sync.Mutex
	subs map[chan domain.Notification]struct{}
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{buffer: buffer, subs: make(map[chan domain.Notification]struct{})}
}

func (f *Feed) Subscribe() (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, f.buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *Feed) Notify(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

type notifiers []Notifier

func (ns notifiers) Notify(n domain.Notification) {
	for _, x := range ns {
		x.Notify(n)
	}
}
