package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeFrameTaskMoved(t *testing.T) {
	payload := `{"id":"e1","boardId":"b1","entityType":"task","op":"moved","task":{"id":"t1","columnId":"c2","position":3,"title":"Write docs"},"actorId":"u2","time":1700000000000}`

	ev, err := DecodeFrame([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != KindTaskMoved {
		t.Fatalf("expected %s, got %s", KindTaskMoved, ev.Kind)
	}
	if ev.Task == nil || ev.Task.ID != "t1" || ev.Task.ColumnID != "c2" || ev.Task.Position != 3 {
		t.Fatalf("unexpected task %+v", ev.Task)
	}
	if ev.ActorID != "u2" || ev.BoardID != "b1" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if !ev.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected time %v", ev.Time)
	}
}

func TestDecodeFrameControlCarriesReason(t *testing.T) {
	data, err := EncodeControl("b1", ReasonIdentitySwitch, "session changed")
	if err != nil {
		t.Fatalf("encode control: %v", err)
	}

	_, err = DecodeFrame(data)
	var se *SubscriptionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
	if se.Reason != ReasonIdentitySwitch || se.BoardID != "b1" {
		t.Fatalf("unexpected subscription error %+v", se)
	}
}

func TestDecodeFrameInvalidJSON(t *testing.T) {
	_, err := DecodeFrame([]byte("{not json"))
	var se *SubscriptionError
	if !errors.As(err, &se) || se.Reason != ReasonDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestEncodeEventRoundTripsReorder(t *testing.T) {
	ev := ChangeEvent{ID: "e2", BoardID: "b1", Kind: KindColumnsReordered, ColumnIDs: []string{"c", "a", "b"}}
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindColumnsReordered || len(got.ColumnIDs) != 3 || got.ColumnIDs[0] != "c" {
		t.Fatalf("unexpected event %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestChangeEventValidate(t *testing.T) {
	tests := []struct {
		name  string
		ev    ChangeEvent
		valid bool
	}{
		{"task created", ChangeEvent{Kind: KindTaskCreated, Task: &Task{ID: "t1"}}, true},
		{"task created without task", ChangeEvent{Kind: KindTaskCreated}, false},
		{"task updated without id", ChangeEvent{Kind: KindTaskUpdated, Task: &Task{}}, false},
		{"task deleted", ChangeEvent{Kind: KindTaskDeleted, TaskID: "t1"}, true},
		{"task deleted without id", ChangeEvent{Kind: KindTaskDeleted}, false},
		{"column created", ChangeEvent{Kind: KindColumnCreated, Column: &Column{ID: "c1"}}, true},
		{"column deleted without id", ChangeEvent{Kind: KindColumnDeleted}, false},
		{"reorder empty", ChangeEvent{Kind: KindColumnsReordered, ColumnIDs: []string{}}, false},
		{"unknown kind", ChangeEvent{Kind: Kind{Entity: "board", Op: OpCreated}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}
