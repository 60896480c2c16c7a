package board

import (
	"reflect"
	"sort"
	"sync"

	"board-sync/domain"
)

// Store holds the last known good snapshot of one board. All methods are
// safe for concurrent use; readers never observe a partially applied patch.
type Store struct {
	mu      sync.RWMutex
	board   *domain.Board
	version uint64

	broker *broker
}

// NewStore returns an empty, unloaded store.
func NewStore() *Store {
	return &Store{broker: newBroker()}
}

// Load replaces the whole board with a copy of snapshot.
func (s *Store) Load(snapshot domain.Board) {
	b := normalize(snapshot)
	s.mu.Lock()
	s.board = &b
	s.version++
	s.mu.Unlock()
	s.broker.notify()
}

// normalize deep copies the snapshot, keeping the first column for every
// duplicated id and the last task for every duplicated task id.
func normalize(snapshot domain.Board) domain.Board {
	src := snapshot.Clone()
	out := domain.Board{ID: src.ID, Title: src.Title}
	out.Columns = make([]domain.Column, 0, len(src.Columns))
	seenCols := make(map[string]struct{}, len(src.Columns))
	for _, c := range src.Columns {
		if c.ID == "" {
			continue
		}
		if _, ok := seenCols[c.ID]; ok {
			continue
		}
		seenCols[c.ID] = struct{}{}
		out.Columns = append(out.Columns, c)
	}
	out.Tasks = make([]domain.Task, 0, len(src.Tasks))
	idx := make(map[string]int, len(src.Tasks))
	for _, t := range src.Tasks {
		if t.ID == "" {
			continue
		}
		if i, ok := idx[t.ID]; ok {
			out.Tasks[i] = t
			continue
		}
		idx[t.ID] = len(out.Tasks)
		out.Tasks = append(out.Tasks, t)
	}
	return out
}

// mutate runs fn under the write lock. fn reports whether it changed the
// board; subscribers are notified only on change.
func (s *Store) mutate(fn func(b *domain.Board) bool) bool {
	s.mu.Lock()
	if s.board == nil {
		s.mu.Unlock()
		return false
	}
	changed := fn(s.board)
	if changed {
		s.version++
	}
	s.mu.Unlock()
	if changed {
		s.broker.notify()
	}
	return changed
}

func taskIndex(b *domain.Board, id string) int {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func columnIndex(b *domain.Board, id string) int {
	for i := range b.Columns {
		if b.Columns[i].ID == id {
			return i
		}
	}
	return -1
}

// PatchTaskCreated appends the task unless one with the same id exists.
func (s *Store) PatchTaskCreated(task domain.Task) bool {
	if task.ID == "" {
		return false
	}
	return s.mutate(func(b *domain.Board) bool {
		if taskIndex(b, task.ID) >= 0 {
			return false
		}
		b.Tasks = append(b.Tasks, task.Clone())
		return true
	})
}

// PatchTaskDeleted removes the task with the given id.
func (s *Store) PatchTaskDeleted(taskID string) bool {
	return s.mutate(func(b *domain.Board) bool {
		i := taskIndex(b, taskID)
		if i < 0 {
			return false
		}
		b.Tasks = append(b.Tasks[:i], b.Tasks[i+1:]...)
		return true
	})
}

// PatchTaskUpdated replaces an existing task. Unknown tasks are ignored.
func (s *Store) PatchTaskUpdated(task domain.Task) bool {
	return s.mutate(func(b *domain.Board) bool {
		i := taskIndex(b, task.ID)
		if i < 0 || reflect.DeepEqual(b.Tasks[i], task) {
			return false
		}
		b.Tasks[i] = task.Clone()
		return true
	})
}

// PatchTaskMoved applies a local move of a task to a column and position.
func (s *Store) PatchTaskMoved(taskID, columnID string, position float64) bool {
	return s.mutate(func(b *domain.Board) bool {
		i := taskIndex(b, taskID)
		if i < 0 {
			return false
		}
		t := &b.Tasks[i]
		if t.ColumnID == columnID && t.Position == position {
			return false
		}
		t.ColumnID = columnID
		t.Position = position
		return true
	})
}

// PatchColumnCreated appends the column unless one with the same id exists.
func (s *Store) PatchColumnCreated(col domain.Column) bool {
	if col.ID == "" {
		return false
	}
	return s.mutate(func(b *domain.Board) bool {
		if columnIndex(b, col.ID) >= 0 {
			return false
		}
		b.Columns = append(b.Columns, col)
		return true
	})
}

// PatchColumnUpdated replaces the column in place, keeping its position.
func (s *Store) PatchColumnUpdated(col domain.Column) bool {
	return s.mutate(func(b *domain.Board) bool {
		i := columnIndex(b, col.ID)
		if i < 0 || b.Columns[i] == col {
			return false
		}
		b.Columns[i] = col
		return true
	})
}

// PatchColumnDeleted removes the column. Its tasks are left in place until
// the next refresh.
func (s *Store) PatchColumnDeleted(columnID string) bool {
	return s.mutate(func(b *domain.Board) bool {
		i := columnIndex(b, columnID)
		if i < 0 {
			return false
		}
		b.Columns = append(b.Columns[:i], b.Columns[i+1:]...)
		return true
	})
}

// PatchColumnsReordered projects ids onto the known columns. Unknown and
// repeated ids are dropped; known columns missing from ids follow the
// listed ones in their previous relative order.
func (s *Store) PatchColumnsReordered(ids []string) bool {
	return s.mutate(func(b *domain.Board) bool {
		byID := make(map[string]domain.Column, len(b.Columns))
		for _, c := range b.Columns {
			byID[c.ID] = c
		}
		next := make([]domain.Column, 0, len(b.Columns))
		placed := make(map[string]struct{}, len(b.Columns))
		for _, id := range ids {
			c, ok := byID[id]
			if !ok {
				continue
			}
			if _, dup := placed[id]; dup {
				continue
			}
			placed[id] = struct{}{}
			next = append(next, c)
		}
		for _, c := range b.Columns {
			if _, ok := placed[c.ID]; !ok {
				next = append(next, c)
			}
		}
		changed := false
		for i := range next {
			if next[i].ID != b.Columns[i].ID {
				changed = true
				break
			}
		}
		if changed {
			b.Columns = next
		}
		return changed
	})
}

// Snapshot returns a deep copy of the current board and whether one is loaded.
func (s *Store) Snapshot() (domain.Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.board == nil {
		return domain.Board{}, false
	}
	return s.board.Clone(), true
}

// Loaded reports whether a snapshot has been loaded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board != nil
}

// Version is incremented on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// TasksByColumn returns the tasks of one column ordered by position.
func (s *Store) TasksByColumn(columnID string) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.board == nil {
		return nil
	}
	out := make([]domain.Task, 0)
	for _, t := range s.board.Tasks {
		if t.ColumnID == columnID {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Changes returns a channel that receives a signal after every change. Bursts
// of changes collapse into one pending signal. Call cancel to unsubscribe.
func (s *Store) Changes() (<-chan struct{}, func()) {
	ch := s.broker.subscribe()
	return ch, func() { s.broker.unsubscribe(ch) }
}
