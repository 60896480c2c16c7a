package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"board-sync/board"
	"board-sync/domain"
)

const tracerName = "board-sync/loader"

// ErrNoTarget is returned by Refresh before any board was fetched.
var ErrNoTarget = errors.New("no board fetched yet")

// Fetcher retrieves a full board snapshot from the backend.
type Fetcher interface {
	FetchBoard(ctx context.Context, boardID, scopeID string) (domain.Board, error)
}

// State describes the loader's progress for the UI layer.
type State struct {
	Loading      bool
	Err          error
	LastLoadedAt time.Time
}

// Loader fetches board snapshots and loads them into a store.
type Loader struct {
	store   *board.Store
	fetcher Fetcher
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu           sync.Mutex
	boardID      string
	scopeID      string
	target       uint64
	loaded       bool
	loading      bool
	err          error
	lastLoadedAt time.Time
}

// New creates a loader writing into store. A nil logger uses the standard logger.
func New(store *board.Store, fetcher Fetcher, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Loader{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// Fetch loads the given board, replacing any previous target.
func (l *Loader) Fetch(ctx context.Context, boardID, scopeID string) error {
	l.mu.Lock()
	if l.boardID != boardID || l.scopeID != scopeID {
		l.target++
		l.boardID, l.scopeID = boardID, scopeID
	}
	if !l.loaded {
		l.loading = true
	}
	target := l.target
	l.mu.Unlock()
	return l.fetch(ctx, boardID, scopeID, target, false)
}

// Refresh re-fetches the current board. The snapshot is replaced only after
// the response resolves; when several refreshes overlap the last one to
// resolve wins.
func (l *Loader) Refresh(ctx context.Context) error {
	l.mu.Lock()
	boardID, scopeID, target := l.boardID, l.scopeID, l.target
	l.mu.Unlock()
	if boardID == "" {
		return ErrNoTarget
	}
	return l.fetch(ctx, boardID, scopeID, target, true)
}

func (l *Loader) fetch(ctx context.Context, boardID, scopeID string, target uint64, refresh bool) error {
	ctx, span := l.tracer.Start(ctx, "loader.fetch", trace.WithAttributes(
		attribute.String("board.id", boardID),
		attribute.Bool("board.refresh", refresh),
	))
	defer span.End()

	b, err := l.fetcher.FetchBoard(ctx, boardID, scopeID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, ctxErr.Error())
		return ctxErr
	}
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return l.fail(boardID, target, err)
	}
	if b.ID == "" {
		b.ID = boardID
	}
	span.SetAttributes(attribute.Int("board.tasks", len(b.Tasks)))

	l.mu.Lock()
	defer l.mu.Unlock()
	if target != l.target {
		span.SetStatus(codes.Ok, "superseded")
		return nil
	}
	l.store.Load(b)
	l.loaded = true
	l.loading = false
	l.err = nil
	l.lastLoadedAt = l.now()
	span.SetStatus(codes.Ok, "")
	return nil
}

func (l *Loader) fail(boardID string, target uint64, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target != l.target {
		return err
	}
	entry := l.logger.WithError(err).WithField("board", boardID)
	switch {
	case !l.loaded:
		l.loading = false
		l.err = err
		entry.Warn("initial board load failed")
	case domain.IsNotFound(err):
		l.err = err
		entry.Warn("board no longer available")
	default:
		entry.Debug("refresh failed, keeping last known board")
	}
	return err
}

// classify maps untyped backend failures onto TransientError.
func classify(err error) error {
	if domain.IsNotFound(err) || domain.IsTransient(err) {
		return err
	}
	return &domain.TransientError{Op: "fetch board", Err: err}
}

// State returns the current loading state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{Loading: l.loading, Err: l.err, LastLoadedAt: l.lastLoadedAt}
}

// Target returns the board and scope of the last Fetch.
func (l *Loader) Target() (boardID, scopeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boardID, l.scopeID
}
