package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-sync/board"
	"board-sync/domain"
	"board-sync/loader"
	"board-sync/poller"
	"board-sync/reconcile"
	"board-sync/subscription"
)

var (
	// ErrClosed is returned by operations on a closed view.
	ErrClosed = errors.New("view closed")
	// ErrNotLoaded is returned by mutations before the board is loaded.
	ErrNotLoaded = errors.New("board not loaded")
	// ErrUnknownTask is returned when moving a task that is not on the board.
	ErrUnknownTask = errors.New("unknown task")
)

// Mutator sends write commands to the backend.
type Mutator interface {
	EnqueueMutation(ctx context.Context, userID, scopeID string, cmd domain.Command) error
}

// Deps are the backend collaborators of a view.
type Deps struct {
	Fetcher   loader.Fetcher
	Transport subscription.Transport
	Mutator   Mutator
	// Notifier receives notifications in addition to the view's feed.
	Notifier Notifier
	Logger   *log.Logger
}

// Config holds the timings of a view. Zero values use the defaults.
type Config struct {
	PollInterval             time.Duration
	MoveSuppressionWindow    time.Duration
	CoalesceDelay            time.Duration
	ReorderSuppressionWindow time.Duration
	FeedBuffer               int

	// Now and AfterFunc replace the clock used by the reconciler.
	Now       func() time.Time
	AfterFunc reconcile.AfterFunc
}

// View is one user's live view of one board: the store kept in sync by the
// initial fetch, push events and the poll backstop.
type View struct {
	boardID string
	cfg     Config
	logger  *log.Entry
	mutator Mutator

	store  *board.Store
	loader *loader.Loader
	rec    *reconcile.Reconciler
	poller *poller.Scheduler
	sub    *subscription.Client
	feed   *Feed

	mu          sync.Mutex
	identity    domain.Identity
	pollStarted bool
	closed      bool
}

// Open creates the view and performs the initial fetch. On failure the view
// is still returned so callers can inspect Err; polling and the event
// subscription only start after a successful load.
func Open(ctx context.Context, deps Deps, identity domain.Identity, boardID string, cfg Config) (*View, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{"board": boardID, "user": identity.UserID})

	v := &View{
		boardID:  boardID,
		cfg:      cfg,
		logger:   entry,
		mutator:  deps.Mutator,
		store:    board.NewStore(),
		feed:     NewFeed(cfg.FeedBuffer),
		identity: identity,
	}
	v.loader = loader.New(v.store, deps.Fetcher, logger)

	ns := notifiers{v.feed, LogNotifier{Logger: entry}}
	if deps.Notifier != nil {
		ns = append(ns, deps.Notifier)
	}
	v.rec = reconcile.New(v.store, v.loader, ns, reconcile.Config{
		BoardID:                  boardID,
		LocalUserID:              identity.UserID,
		MoveSuppressionWindow:    cfg.MoveSuppressionWindow,
		CoalesceDelay:            cfg.CoalesceDelay,
		ReorderSuppressionWindow: cfg.ReorderSuppressionWindow,
	}, reconcile.WithClock(cfg.Now, cfg.AfterFunc), reconcile.WithLogger(entry))
	v.poller = poller.New(v.loader, entry)
	if deps.Transport != nil {
		v.sub = subscription.New(deps.Transport, func(ev domain.ChangeEvent) { v.rec.Handle(ev) }, entry)
	}

	if err := v.loader.Fetch(ctx, boardID, identity.ScopeID); err != nil {
		return v, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startPollingLocked(cfg.PollInterval)
	v.connectLocked(ctx)
	return v, nil
}

func (v *View) startPollingLocked(interval time.Duration) {
	if v.closed {
		return
	}
	v.pollStarted = true
	v.poller.Start(interval)
}

func (v *View) connectLocked(ctx context.Context) {
	if v.sub == nil || v.closed {
		return
	}
	err := v.sub.Connect(ctx, v.identity, v.boardID)
	switch {
	case err == nil:
	case errors.Is(err, subscription.ErrNotReady):
		v.logger.Debug("identity not ready, event subscription deferred")
	default:
		// polling keeps the board correct without push events
		v.logger.WithError(err).Warn("event subscription failed")
	}
}

// BoardID returns the id of the viewed board.
func (v *View) BoardID() string { return v.boardID }

// Board returns the last known good board and whether one is loaded.
func (v *View) Board() (domain.Board, bool) { return v.store.Snapshot() }

// Loading is true until the first fetch resolves.
func (v *View) Loading() bool { return v.loader.State().Loading }

// Err returns the surfaced load error, if any.
func (v *View) Err() error { return v.loader.State().Err }

// State returns the loader state.
func (v *View) State() loader.State { return v.loader.State() }

// Refetch forces a full refresh.
func (v *View) Refetch(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.mu.Unlock()
	if err := v.loader.Refresh(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.pollStarted {
		v.startPollingLocked(v.cfg.PollInterval)
		v.connectLocked(ctx)
	}
	return nil
}

// TasksByColumn returns the tasks of a column in display order.
func (v *View) TasksByColumn(columnID string) []domain.Task {
	return v.store.TasksByColumn(columnID)
}

// MarkReorderAction records that the user just reordered columns.
func (v *View) MarkReorderAction() { v.rec.MarkReorder() }

// MarkMoveTaskAction records that the user just moved a task and cancels any
// pending coalesced refresh.
func (v *View) MarkMoveTaskAction() { v.rec.MarkMove() }

func (v *View) StopPolling() { v.poller.Stop() }

// StartPolling (re)starts polling; a non-positive interval uses the default.
func (v *View) StartPolling(interval time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startPollingLocked(interval)
}

func (v *View) PollingActive() bool { return v.poller.Running() }

// PollInterval returns the active poll interval, or zero when stopped.
func (v *View) PollInterval() time.Duration { return v.poller.Interval() }

// Changes signals after every change to the board.
func (v *View) Changes() (<-chan struct{}, func()) { return v.store.Changes() }

// Notifications streams notifications about remote changes.
func (v *View) Notifications() (<-chan domain.Notification, func()) { return v.feed.Subscribe() }

// Subscribed reports whether the push event subscription is active.
func (v *View) Subscribed() bool { return v.sub != nil && v.sub.Connected() }

// OutcomeCounts reports how the reconciler handled events so far.
func (v *View) OutcomeCounts() map[reconcile.Outcome]uint64 { return v.rec.Counts() }

// SetIdentity handles an identity or workspace switch. The subscription is
// dropped while the identity is incomplete and re-established once it is
// ready; a workspace change reloads the board.
func (v *View) SetIdentity(ctx context.Context, identity domain.Identity) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	prev := v.identity
	v.identity = identity
	v.rec.SetLocalUser(identity.UserID)
	v.connectLocked(ctx)
	if !identity.Complete() || (prev.UserID == identity.UserID && prev.ScopeID == identity.ScopeID) {
		return nil
	}
	v.logger.WithField("scope", identity.ScopeID).Info("identity changed, reloading board")
	return v.loader.Fetch(ctx, v.boardID, identity.ScopeID)
}

// Identity returns the identity the view currently acts as.
func (v *View) Identity() domain.Identity {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.identity
}

// MoveTask moves a task optimistically and sends the move to the backend.
// When the backend rejects it the board is refetched.
func (v *View) MoveTask(ctx context.Context, taskID, toColumnID string, position float64) error {
	identity, err := v.mutationIdentity()
	if err != nil {
		return err
	}
	if !v.store.Loaded() {
		return ErrNotLoaded
	}
	if !v.hasTask(taskID) {
		return ErrUnknownTask
	}
	cmd, err := domain.NewMoveTaskCommand(v.boardID, domain.MoveTaskData{TaskID: taskID, ColumnID: toColumnID, Position: position})
	if err != nil {
		return err
	}
	v.store.PatchTaskMoved(taskID, toColumnID, position)
	if err := v.send(ctx, identity, cmd); err != nil {
		return err
	}
	v.rec.MarkMove()
	return nil
}

// ReorderColumns reorders columns optimistically and sends the order to the
// backend. When the backend rejects it the board is refetched.
func (v *View) ReorderColumns(ctx context.Context, columnIDs []string) error {
	identity, err := v.mutationIdentity()
	if err != nil {
		return err
	}
	if !v.store.Loaded() {
		return ErrNotLoaded
	}
	cmd, err := domain.NewReorderColumnsCommand(v.boardID, columnIDs)
	if err != nil {
		return err
	}
	v.store.PatchColumnsReordered(columnIDs)
	if err := v.send(ctx, identity, cmd); err != nil {
		return err
	}
	v.rec.MarkReorder()
	return nil
}

func (v *View) mutationIdentity() (domain.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return domain.Identity{}, ErrClosed
	}
	if !v.identity.Complete() {
		return domain.Identity{}, subscription.ErrNotReady
	}
	return v.identity, nil
}

func (v *View) hasTask(taskID string) bool {
	b, ok := v.store.Snapshot()
	if !ok {
		return false
	}
	for _, t := range b.Tasks {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

func (v *View) send(ctx context.Context, identity domain.Identity, cmd domain.Command) error {
	if v.mutator == nil {
		return nil
	}
	err := v.mutator.EnqueueMutation(ctx, identity.UserID, identity.ScopeID, cmd)
	if err == nil {
		return nil
	}
	v.logger.WithError(err).WithField("command", cmd.Type).Warn("mutation failed, restoring board from server")
	if rerr := v.loader.Refresh(ctx); rerr != nil {
		v.logger.WithError(rerr).Warn("refetch after failed mutation")
	}
	return err
}

// Close stops polling, drops the subscription and cancels pending work.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.poller.Stop()
	if v.sub != nil {
		v.sub.Close()
	}
	v.rec.Close()
}
