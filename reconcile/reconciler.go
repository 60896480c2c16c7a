package reconcile

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"board-sync/board"
	"board-sync/domain"
)

const (
	DefaultMoveSuppressionWindow    = 2000 * time.Millisecond
	DefaultCoalesceDelay            = 200 * time.Millisecond
	DefaultReorderSuppressionWindow = 2000 * time.Millisecond
)

// Outcome describes what Handle did with an event.
type Outcome string

const (
	// Applied means the store was patched.
	Applied Outcome = "applied"
	// Ignored means the event was a duplicate, stale or malformed.
	Ignored Outcome = "ignored"
	// Suppressed means a MOVED event was treated as the echo of a local move.
	Suppressed Outcome = "suppressed"
	// Scheduled means a MOVED event armed the coalesced refresh.
	Scheduled Outcome = "scheduled"
	// Absorbed means a MOVED event arrived while a refresh was already pending.
	Absorbed Outcome = "absorbed"
)

// Refresher re-fetches the full board.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Notifier shows a remote change to the user.
type Notifier interface {
	Notify(n domain.Notification)
}

type Config struct {
	BoardID                  string
	LocalUserID              string
	MoveSuppressionWindow    time.Duration
	CoalesceDelay            time.Duration
	ReorderSuppressionWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MoveSuppressionWindow <= 0 {
		c.MoveSuppressionWindow = DefaultMoveSuppressionWindow
	}
	if c.CoalesceDelay <= 0 {
		c.CoalesceDelay = DefaultCoalesceDelay
	}
	if c.ReorderSuppressionWindow <= 0 {
		c.ReorderSuppressionWindow = DefaultReorderSuppressionWindow
	}
	return c
}

type policy struct {
	handle func(r *Reconciler, ev domain.ChangeEvent) Outcome
	notify bool
}

// policies is keyed by (entity, operation). MOVED never patches the store
// directly since remote positions race with local drags.
var policies = map[domain.Kind]policy{
	domain.KindTaskCreated: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchTaskCreated(*ev.Task))
	}},
	domain.KindTaskDeleted: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchTaskDeleted(ev.TaskID))
	}},
	domain.KindTaskUpdated: {handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchTaskUpdated(*ev.Task))
	}},
	domain.KindTaskMoved: {handle: (*Reconciler).handleMoved},
	domain.KindColumnCreated: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchColumnCreated(*ev.Column))
	}},
	domain.KindColumnUpdated: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchColumnUpdated(*ev.Column))
	}},
	domain.KindColumnDeleted: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchColumnDeleted(ev.ColumnID))
	}},
	domain.KindColumnsReordered: {notify: true, handle: func(r *Reconciler, ev domain.ChangeEvent) Outcome {
		return applied(r.store.PatchColumnsReordered(ev.ColumnIDs))
	}},
}

func applied(changed bool) Outcome {
	if changed {
		return Applied
	}
	return Ignored
}

// Reconciler turns push events into store patches or refreshes. One
// Reconciler serves exactly one board view.
type Reconciler struct {
	store     *board.Store
	refresher Refresher
	notifier  Notifier
	marker    *Marker
	logger    *log.Entry
	tracer    trace.Tracer
	now       func() time.Time
	afterFunc AfterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cfg    Config
	closed bool
	counts map[Outcome]uint64
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock injects the clock and timer used for windows and coalescing.
func WithClock(now func() time.Time, after AfterFunc) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
		if after != nil {
			r.afterFunc = after
		}
	}
}

// WithLogger sets the log entry; events are logged at debug level.
func WithLogger(logger *log.Entry) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(store *board.Store, refresher Refresher, notifier Notifier, cfg Config, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		store:     store,
		refresher: refresher,
		notifier:  notifier,
		logger:    log.NewEntry(log.StandardLogger()),
		tracer:    otel.Tracer("board-sync/reconcile"),
		now:       time.Now,
		afterFunc: realAfterFunc,
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg.withDefaults(),
		counts:    make(map[Outcome]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.marker = NewMarker(func() time.Time { return r.now() })
	return r
}

// Handle reconciles one push event against the store.
func (r *Reconciler) Handle(ev domain.ChangeEvent) Outcome {
	_, span := r.tracer.Start(r.ctx, "reconcile.handle", trace.WithAttributes(
		attribute.String("event.kind", ev.Kind.String()),
		attribute.String("event.id", ev.ID),
	))
	defer span.End()

	r.mu.Lock()
	out := r.handleLocked(ev)
	r.counts[out]++
	r.mu.Unlock()

	span.SetAttributes(attribute.String("event.outcome", string(out)))
	r.logger.WithFields(log.Fields{
		"event":   ev.Kind.String(),
		"entity":  ev.EntityID(),
		"outcome": out,
	}).Debug("reconciled event")
	return out
}

func (r *Reconciler) handleLocked(ev domain.ChangeEvent) Outcome {
	if r.closed {
		return Ignored
	}
	if ev.BoardID != "" && ev.BoardID != r.cfg.BoardID {
		r.logger.WithField("event_board", ev.BoardID).Debug("event for another board")
		return Ignored
	}
	if err := ev.Validate(); err != nil {
		r.logger.WithError(err).Warn("dropping malformed event")
		return Ignored
	}
	p, ok := policies[ev.Kind]
	if !ok {
		return Ignored
	}
	out := p.handle(r, ev)
	if out == Applied && p.notify && r.shouldNotify(ev) {
		r.notifier.Notify(domain.NotificationFor(ev, r.now()))
	}
	return out
}

func (r *Reconciler) shouldNotify(ev domain.ChangeEvent) bool {
	if r.notifier == nil {
		return false
	}
	if ev.ActorID != "" && ev.ActorID == r.cfg.LocalUserID {
		return false
	}
	if ev.Kind == domain.KindColumnsReordered && r.marker.InReorderWindow(r.now(), r.cfg.ReorderSuppressionWindow) {
		return false
	}
	return true
}

// handleMoved suppresses echoes of local moves and otherwise coalesces any
// number of MOVED events into a single refresh.
func (r *Reconciler) handleMoved(ev domain.ChangeEvent) Outcome {
	if r.marker.InMoveWindow(r.now(), r.cfg.MoveSuppressionWindow) {
		return Suppressed
	}
	if r.marker.schedule(r.cfg.CoalesceDelay, r.afterFunc, r.refresh) {
		return Scheduled
	}
	return Absorbed
}

func (r *Reconciler) refresh() {
	if r.ctx.Err() != nil {
		return
	}
	if err := r.refresher.Refresh(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.WithError(err).Debug("coalesced refresh failed")
	}
}

// MarkMove records a local task move and cancels any pending refresh.
func (r *Reconciler) MarkMove() { r.marker.MarkMove() }

// MarkReorder records a local column reorder.
func (r *Reconciler) MarkReorder() { r.marker.MarkReorder() }

// Marker exposes the local mutation marker.
func (r *Reconciler) Marker() *Marker { return r.marker }

// SetLocalUser changes the user whose own events are not notified.
func (r *Reconciler) SetLocalUser(userID string) {
	r.mu.Lock()
	r.cfg.LocalUserID = userID
	r.mu.Unlock()
}

// Counts returns how many events ended in each outcome.
func (r *Reconciler) Counts() map[Outcome]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Outcome]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Close cancels any pending refresh. Events handled afterwards are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.marker.cancel()
	r.cancel()
}
