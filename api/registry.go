package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/engine"
)

type viewKey struct {
	userID  string
	boardID string
}

type viewEntry struct {
	ready chan struct{}
	view  *engine.View
	err   error
}

// Registry keeps one live view per user and board. Views are opened lazily on
// first use and live until closed explicitly or on shutdown.
type Registry struct {
	deps   engine.Deps
	cfg    engine.Config
	logger *log.Logger

	mu     sync.Mutex
	views  map[viewKey]*viewEntry
	closed bool
}

func NewRegistry(deps engine.Deps, cfg engine.Config) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		views:  make(map[viewKey]*viewEntry),
	}
}

// Open returns the user's view of the board, opening it if needed. A view
// whose initial fetch fails is not kept, so the next call retries. An open
// view follows identity changes such as a workspace switch.
func (r *Registry) Open(ctx context.Context, identity domain.Identity, boardID string) (*engine.View, error) {
	key := viewKey{userID: identity.UserID, boardID: boardID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, engine.ErrClosed
	}
	if e, ok := r.views[key]; ok {
		r.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		if e.view.Identity() != identity {
			if err := e.view.SetIdentity(ctx, identity); err != nil {
				return e.view, err
			}
		}
		return e.view, nil
	}
	e := &viewEntry{ready: make(chan struct{})}
	r.views[key] = e
	r.mu.Unlock()

	// the view outlives the request that opened it
	v, err := engine.Open(context.WithoutCancel(ctx), r.deps, identity, boardID, r.cfg)
	if err != nil {
		v.Close()
		e.err = err
		r.mu.Lock()
		delete(r.views, key)
		r.mu.Unlock()
		close(e.ready)
		r.logger.WithError(err).WithFields(log.Fields{"board": boardID, "user": identity.UserID}).Warn("open board view failed")
		return nil, err
	}
	e.view = v
	close(e.ready)

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		v.Close()
		return nil, engine.ErrClosed
	}
	return v, nil
}

// Close closes and forgets the user's view of the board.
func (r *Registry) Close(userID, boardID string) bool {
	key := viewKey{userID: userID, boardID: boardID}
	r.mu.Lock()
	e, ok := r.views[key]
	if ok {
		delete(r.views, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	<-e.ready
	if e.view != nil {
		e.view.Close()
	}
	return true
}

// CloseAll closes every view and rejects further opens.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*viewEntry, 0, len(r.views))
	for k, e := range r.views {
		entries = append(entries, e)
		delete(r.views, k)
	}
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.view != nil {
			e.view.Close()
		}
	}
	r.logger.WithField("views", len(entries)).Info("board views closed")
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
