package domain

import (
	"errors"
	"fmt"
	"time"
)

// EntityType identifies the kind of entity a change event refers to.
type EntityType string

const (
	EntityTask   EntityType = "task"
	EntityColumn EntityType = "column"
)

// Operation is the change applied to the entity.
type Operation string

const (
	OpCreated   Operation = "created"
	OpUpdated   Operation = "updated"
	OpDeleted   Operation = "deleted"
	OpMoved     Operation = "moved"
	OpReordered Operation = "reordered"
)

// Kind is the (entity, operation) pair used as the reconciliation policy key.
type Kind struct {
	Entity EntityType
	Op     Operation
}

func (k Kind) String() string {
	return string(k.Entity) + "." + string(k.Op)
}

var (
	KindTaskCreated      = Kind{EntityTask, OpCreated}
	KindTaskUpdated      = Kind{EntityTask, OpUpdated}
	KindTaskDeleted      = Kind{EntityTask, OpDeleted}
	KindTaskMoved        = Kind{EntityTask, OpMoved}
	KindColumnCreated    = Kind{EntityColumn, OpCreated}
	KindColumnUpdated    = Kind{EntityColumn, OpUpdated}
	KindColumnDeleted    = Kind{EntityColumn, OpDeleted}
	KindColumnsReordered = Kind{EntityColumn, OpReordered}
)

// ErrMalformedEvent is returned by Validate when an event lacks the payload its kind requires.
var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent is a single push notification about one entity of a board.
// Only the payload field matching Kind is meaningful.
type ChangeEvent struct {
	ID        string
	BoardID   string
	Kind      Kind
	Task      *Task
	TaskID    string
	Column    *Column
	ColumnID  string
	ColumnIDs []string
	ActorID   string
	Time      time.Time
}

// Validate reports whether the event carries the payload its kind requires.
func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case KindTaskCreated, KindTaskUpdated, KindTaskMoved:
		if e.Task == nil || e.Task.ID == "" {
			return fmt.Errorf("%w: %s without task", ErrMalformedEvent, e.Kind)
		}
	case KindTaskDeleted:
		if e.TaskID == "" {
			return fmt.Errorf("%w: %s without task id", ErrMalformedEvent, e.Kind)
		}
	case KindColumnCreated, KindColumnUpdated:
		if e.Column == nil || e.Column.ID == "" {
			return fmt.Errorf("%w: %s without column", ErrMalformedEvent, e.Kind)
		}
	case KindColumnDeleted:
		if e.ColumnID == "" {
			return fmt.Errorf("%w: %s without column id", ErrMalformedEvent, e.Kind)
		}
	case KindColumnsReordered:
		if len(e.ColumnIDs) == 0 {
			return fmt.Errorf("%w: %s without column ids", ErrMalformedEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// EntityID returns the id of the entity the event refers to, or "" for reorders.
func (e ChangeEvent) EntityID() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.TaskID != "":
		return e.TaskID
	case e.Column != nil:
		return e.Column.ID
	default:
		return e.ColumnID
	}
}
