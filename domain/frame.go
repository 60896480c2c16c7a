package domain

import (
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

// Frame is the wire representation of one push stream message. A frame
// carries either a change event or, when Error is set, a control message
// describing why the stream failed.
type Frame struct {
	ID         string      `json:"id,omitempty"`
	BoardID    string      `json:"boardId,omitempty"`
	EntityType EntityType  `json:"entityType,omitempty"`
	Op         Operation   `json:"op,omitempty"`
	Task       *Task       `json:"task,omitempty"`
	TaskID     string      `json:"taskId,omitempty"`
	Column     *Column     `json:"column,omitempty"`
	ColumnID   string      `json:"columnId,omitempty"`
	ColumnIDs  []string    `json:"columnIds,omitempty"`
	ActorID    string      `json:"actorId,omitempty"`
	Time       int64       `json:"time,omitempty"`
	Error      *FrameError `json:"error,omitempty"`
}

type FrameError struct {
	Reason  SubscriptionReason `json:"reason"`
	Message string             `json:"message,omitempty"`
}

// DecodeFrame parses a push stream frame. Control frames are returned as a
// *SubscriptionError carrying the frame's reason code; unparsable payloads
// yield a SubscriptionError with ReasonDecode.
func DecodeFrame(data []byte) (ChangeEvent, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return ChangeEvent{}, &SubscriptionError{Reason: ReasonDecode, Err: err}
	}
	if f.Error != nil {
		reason := f.Error.Reason
		if reason == "" {
			reason = ReasonUnknown
		}
		return ChangeEvent{}, &SubscriptionError{Reason: reason, BoardID: f.BoardID, Err: errors.New(f.Error.Message)}
	}
	ev := ChangeEvent{
		ID:        f.ID,
		BoardID:   f.BoardID,
		Kind:      Kind{Entity: f.EntityType, Op: f.Op},
		Task:      f.Task,
		TaskID:    f.TaskID,
		Column:    f.Column,
		ColumnID:  f.ColumnID,
		ColumnIDs: f.ColumnIDs,
		ActorID:   f.ActorID,
	}
	if f.Time > 0 {
		ev.Time = time.UnixMilli(f.Time).UTC()
	}
	return ev, nil
}

// EncodeEvent serializes a change event into a wire frame.
func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	f := Frame{
		ID:         ev.ID,
		BoardID:    ev.BoardID,
		EntityType: ev.Kind.Entity,
		Op:         ev.Kind.Op,
		Task:       ev.Task,
		TaskID:     ev.TaskID,
		Column:     ev.Column,
		ColumnID:   ev.ColumnID,
		ColumnIDs:  ev.ColumnIDs,
		ActorID:    ev.ActorID,
	}
	if !ev.Time.IsZero() {
		f.Time = ev.Time.UnixMilli()
	}
	return sonic.Marshal(f)
}

// EncodeControl serializes a control frame announcing a stream failure.
func EncodeControl(boardID string, reason SubscriptionReason, message string) ([]byte, error) {
	return sonic.Marshal(Frame{BoardID: boardID, Error: &FrameError{Reason: reason, Message: message}})
}
