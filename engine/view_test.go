package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/domain"
	"board-sync/reconcile"
	"board-sync/subscription"
)

type stubFetcher struct {
	mu     sync.Mutex
	board  domain.Board
	err    error
	calls  int
	scopes []string
}

func (s *stubFetcher) FetchBoard(_ context.Context, boardID, scopeID string) (domain.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.scopes = append(s.scopes, scopeID)
	if s.err != nil {
		return domain.Board{}, s.err
	}
	return s.board.Clone(), nil
}

func (s *stubFetcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTransport struct {
	mu      sync.Mutex
	targets []subscription.Target
	onEvent func(domain.ChangeEvent)
	active  int
}

func (s *stubTransport) Subscribe(_ context.Context, target subscription.Target, onEvent func(domain.ChangeEvent), _ func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.onEvent = onEvent
	s.active++
	return func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}, nil
}

func (s *stubTransport) emit(ev domain.ChangeEvent) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	fn(ev)
}

func (s *stubTransport) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type stubMutator struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (s *stubMutator) EnqueueMutation(_ context.Context, userID, scopeID string, cmd domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return s.err
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

var identity = domain.Identity{Ready: true, UserID: "me", ScopeID: "s1", Token: "tok"}

func serverBoard() domain.Board {
	return domain.Board{
		ID:      "b1",
		Columns: []domain.Column{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Tasks: []domain.Task{
			{ID: "t1", ColumnID: "A", Position: 1, Title: "one"},
			{ID: "t2", ColumnID: "B", Position: 1, Title: "two"},
		},
	}
}

type fixture struct {
	fetcher   *stubFetcher
	transport *stubTransport
	mutator   *stubMutator
	clock     *manualClock
	scheduled int
	view      *View
}

func openFixture(t *testing.T) (*fixture, error) {
	t.Helper()
	f := &fixture{
		fetcher:   &stubFetcher{board: serverBoard()},
		transport: &stubTransport{},
		mutator:   &stubMutator{},
		clock:     &manualClock{now: time.Unix(1_700_000_000, 0)},
	}
	return f, f.open(t)
}

func (f *fixture) open(t *testing.T) error {
	t.Helper()
	logger, _ := test.NewNullLogger()
	v, err := Open(context.Background(), Deps{
		Fetcher:   f.fetcher,
		Transport: f.transport,
		Mutator:   f.mutator,
		Logger:    logger,
	}, identity, "b1", Config{
		PollInterval: time.Hour,
		Now:          f.clock.Now,
		AfterFunc: func(time.Duration, func()) reconcile.Timer {
			f.scheduled++
			return noopTimer{}
		},
	})
	f.view = v
	t.Cleanup(v.Close)
	return err
}

func TestOpenLoadsAndStartsSync(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v := f.view
	if v.Loading() || v.Err() != nil {
		t.Fatalf("unexpected state loading=%v err=%v", v.Loading(), v.Err())
	}
	if b, ok := v.Board(); !ok || len(b.Tasks) != 2 {
		t.Fatalf("unexpected board %+v", b)
	}
	if !v.PollingActive() || v.PollInterval() != time.Hour {
		t.Fatalf("expected polling to start with configured interval")
	}
	if !v.Subscribed() || f.transport.targets[0].ScopeID != "s1" {
		t.Fatalf("expected subscription for scope s1, got %+v", f.transport.targets)
	}
}

func TestOpenNotFound(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fetcher := &stubFetcher{err: &domain.NotFoundError{BoardID: "b1"}}
	transport := &stubTransport{}
	v, err := Open(context.Background(), Deps{Fetcher: fetcher, Transport: transport, Logger: logger}, identity, "b1", Config{})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	defer v.Close()
	if !domain.IsNotFound(v.Err()) || v.Loading() {
		t.Fatalf("expected surfaced not found, got %v", v.Err())
	}
	if v.PollingActive() || transport.Active() != 0 {
		t.Fatalf("sync must not start after a failed load")
	}
}

func TestRemoteEventsReachStoreAndFeed(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	notes, cancel := f.view.Notifications()
	defer cancel()
	changes, cancelChanges := f.view.Changes()
	defer cancelChanges()

	f.transport.emit(domain.ChangeEvent{BoardID: "b1", Kind: domain.KindTaskCreated, Task: &domain.Task{ID: "t3", ColumnID: "C", Title: "three"}, ActorID: "other"})

	if tasks := f.view.TasksByColumn("C"); len(tasks) != 1 || tasks[0].ID != "t3" {
		t.Fatalf("expected t3 in column C, got %+v", tasks)
	}
	select {
	case n := <-notes:
		if n.Kind != "task.created" || n.EntityID != "t3" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}
}

func TestMoveTaskIsOptimisticAndSuppressesEcho(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.view.MoveTask(context.Background(), "t1", "C", 4); err != nil {
		t.Fatalf("move: %v", err)
	}
	if tasks := f.view.TasksByColumn("C"); len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected optimistic move, got %+v", tasks)
	}
	if len(f.mutator.cmds) != 1 || f.mutator.cmds[0].Type != domain.CommandMoveTask {
		t.Fatalf("unexpected commands %+v", f.mutator.cmds)
	}
	var data domain.MoveTaskData
	if err := sonic.Unmarshal(f.mutator.cmds[0].Data, &data); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if data.TaskID != "t1" || data.ColumnID != "C" || data.Position != 4 {
		t.Fatalf("unexpected command data %+v", data)
	}

	f.clock.Advance(500 * time.Millisecond)
	f.transport.emit(domain.ChangeEvent{BoardID: "b1", Kind: domain.KindTaskMoved, Task: &domain.Task{ID: "t1", ColumnID: "C", Position: 4}, ActorID: "me"})
	if f.scheduled != 0 {
		t.Fatalf("echo of local move must not schedule a refresh")
	}
	if got := f.view.OutcomeCounts()[reconcile.Suppressed]; got != 1 {
		t.Fatalf("expected suppressed echo, got %d", got)
	}

	f.clock.Advance(2 * time.Second)
	f.transport.emit(domain.ChangeEvent{BoardID: "b1", Kind: domain.KindTaskMoved, Task: &domain.Task{ID: "t2", ColumnID: "A", Position: 2}, ActorID: "other"})
	if f.scheduled != 1 {
		t.Fatalf("expected remote move to schedule a refresh, got %d", f.scheduled)
	}
}

func TestFailedMutationRefetches(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	boom := errors.New("queue unavailable")
	f.mutator.err = boom
	before := f.fetcher.Calls()

	if err := f.view.MoveTask(context.Background(), "t1", "C", 4); !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	if f.fetcher.Calls() != before+1 {
		t.Fatalf("expected refetch after failed mutation")
	}
	if tasks := f.view.TasksByColumn("A"); len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected server state restored, got %+v", tasks)
	}
}

func TestReorderColumnsMarksLocalReorder(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	notes, cancel := f.view.Notifications()
	defer cancel()

	if err := f.view.ReorderColumns(context.Background(), []string{"C", "A", "B"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	b, _ := f.view.Board()
	if ids := b.ColumnIDs(); ids[0] != "C" {
		t.Fatalf("expected optimistic reorder, got %v", ids)
	}
	if len(f.mutator.cmds) != 1 || f.mutator.cmds[0].Type != domain.CommandReorderColumns {
		t.Fatalf("unexpected commands %+v", f.mutator.cmds)
	}

	f.transport.emit(domain.ChangeEvent{BoardID: "b1", Kind: domain.KindColumnsReordered, ColumnIDs: []string{"B", "C", "A"}, ActorID: "other"})
	select {
	case n := <-notes:
		t.Fatalf("reorder inside the local window must not notify, got %+v", n)
	default:
	}
}

func TestMoveUnknownTask(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.view.MoveTask(context.Background(), "missing", "C", 1); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if len(f.mutator.cmds) != 0 {
		t.Fatalf("unexpected command sent")
	}
}

func TestSetIdentitySwitchesSubscriptionAndReloads(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	switching := identity
	switching.Ready = false
	if err := f.view.SetIdentity(context.Background(), switching); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	if f.view.Subscribed() || f.transport.Active() != 0 {
		t.Fatalf("expected subscription to drop during the switch")
	}

	next := identity
	next.ScopeID = "s2"
	if err := f.view.SetIdentity(context.Background(), next); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	if !f.view.Subscribed() || f.transport.Active() != 1 {
		t.Fatalf("expected resubscription after switch")
	}
	if last := f.transport.targets[len(f.transport.targets)-1]; last.ScopeID != "s2" {
		t.Fatalf("expected subscription in scope s2, got %+v", last)
	}
	if last := f.fetcher.scopes[len(f.fetcher.scopes)-1]; last != "s2" {
		t.Fatalf("expected reload in scope s2, got %s", last)
	}
	if err := f.view.MoveTask(context.Background(), "t1", "B", 2); err != nil {
		t.Fatalf("move after switch: %v", err)
	}
}

func TestPollingControls(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.view.StopPolling()
	if f.view.PollingActive() {
		t.Fatalf("expected polling to stop")
	}
	f.view.StartPolling(0)
	if !f.view.PollingActive() || f.view.PollInterval() != 5*time.Second {
		t.Fatalf("expected default interval, got %v", f.view.PollInterval())
	}
}

func TestCloseStopsEverything(t *testing.T) {
	f, err := openFixture(t)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.view.Close()
	if f.view.PollingActive() || f.transport.Active() != 0 {
		t.Fatalf("expected polling and subscription to stop")
	}
	if err := f.view.Refetch(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	f.view.StartPolling(time.Second)
	if f.view.PollingActive() {
		t.Fatalf("closed view must not poll")
	}
}

func TestFeedDropsForSlowSubscribers(t *testing.T) {
	feed := NewFeed(1)
	ch, cancel := feed.Subscribe()
	defer cancel()
	feed.Notify(domain.Notification{Message: "first"})
	feed.Notify(domain.Notification{Message: "second"})
	if n := <-ch; n.Message != "first" {
		t.Fatalf("unexpected notification %+v", n)
	}
	select {
	case n := <-ch:
		t.Fatalf("expected second notification to be dropped, got %+v", n)
	default:
	}
}
