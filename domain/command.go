package domain

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const (
	CommandMoveTask       = "move-task"
	CommandReorderColumns = "reorder-columns"
)

// Command represents a write request sent to the board backend.
type Command struct {
	// ID carries the idempotency key once the command is enqueued.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	BoardID        string                 `json:"boardId"`
	EntityType     EntityType             `json:"entityType"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user and workspace performing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	ScopeID string  `json:"scopeId"`
	Command Command `json:"command"`
}

type MoveTaskData struct {
	TaskID   string  `json:"taskId"`
	ColumnID string  `json:"columnId"`
	Position float64 `json:"position"`
}

type ReorderColumnsData struct {
	ColumnIDs []string `json:"columnIds"`
}

// NewMoveTaskCommand builds a move-task command with a fresh idempotency key.
func NewMoveTaskCommand(boardID string, data MoveTaskData) (Command, error) {
	return newCommand(boardID, EntityTask, CommandMoveTask, data)
}

// NewReorderColumnsCommand builds a reorder-columns command with a fresh idempotency key.
func NewReorderColumnsCommand(boardID string, ids []string) (Command, error) {
	return newCommand(boardID, EntityColumn, CommandReorderColumns, ReorderColumnsData{ColumnIDs: ids})
}

func newCommand(boardID string, entity EntityType, typ string, data any) (Command, error) {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return Command{}, err
	}
	key := uuid.NewString()
	return Command{
		ID:             key,
		IdempotencyKey: key,
		BoardID:        boardID,
		EntityType:     entity,
		Type:           typ,
		Data:           sonic.NoCopyRawMessage(payload),
		Timestamp:      time.Now().UnixNano(),
	}, nil
}
