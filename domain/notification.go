package domain

import "time"

// Notification is a user-facing message about a remote change.
type Notification struct {
	BoardID  string    `json:"boardId"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entityId,omitempty"`
	ActorID  string    `json:"actorId,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// NotificationFor builds the notification shown for a remote event.
func NotificationFor(ev ChangeEvent, at time.Time) Notification {
	n := Notification{
		BoardID:  ev.BoardID,
		Kind:     ev.Kind.String(),
		EntityID: ev.EntityID(),
		ActorID:  ev.ActorID,
		Time:     at,
	}
	switch ev.Kind {
	case KindTaskCreated:
		n.Message = "Task added: " + ev.Task.Title
	case KindTaskDeleted:
		n.Message = "A task was deleted"
	case KindTaskUpdated:
		n.Message = "Task updated: " + ev.Task.Title
	case KindColumnCreated:
		n.Message = "Column added: " + ev.Column.Title
	case KindColumnUpdated:
		n.Message = "Column updated: " + ev.Column.Title
	case KindColumnDeleted:
		n.Message = "A column was deleted"
	case KindColumnsReordered:
		n.Message = "Columns were reordered"
	default:
		n.Message = "Board changed"
	}
	return n
}
