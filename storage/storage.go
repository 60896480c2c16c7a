package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"board-sync/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage reads boards from the read model tables and sends commands to the
// command queue.
type Storage struct {
	boardsTable  *aztables.Client
	columnsTable *aztables.Client
	tasksTable   *aztables.Client
	commandQueue queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, columnsTable, tasksTable, commandQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Millisecond * 500,
				MaxRetryDelay: time.Second * 5,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boardsTable:  svc.NewClient(boardsTable),
		columnsTable: svc.NewClient(columnsTable),
		tasksTable:   svc.NewClient(tasksTable),
		commandQueue: cq,
	}, nil
}

type boardEntity struct {
	aztables.Entity
	Title string `json:"Title"`
}

type columnEntity struct {
	aztables.Entity
	Title string `json:"Title"`
	Color string `json:"Color"`
	Order int    `json:"Order"`
}

type taskEntity struct {
	aztables.Entity
	ColumnID    string  `json:"ColumnId"`
	Position    float64 `json:"Position"`
	Title       string  `json:"Title"`
	Description string  `json:"Description"`
	Status      string  `json:"Status"`
	Priority    string  `json:"Priority"`
	DueDate     string  `json:"DueDate"`
	Tags        string  `json:"Tags"`
	Checklist   string  `json:"Checklist"`
}

// FetchBoard loads the complete board. The board row is partitioned by
// workspace so a board outside the caller's workspace reads as not found.
func (s *Storage) FetchBoard(ctx context.Context, boardID, scopeID string) (domain.Board, error) {
	resp, err := s.boardsTable.GetEntity(ctx, scopeID, boardID, nil)
	if err != nil {
		return domain.Board{}, classify("fetch board", boardID, err)
	}
	var be boardEntity
	if err := sonic.Unmarshal(resp.Value, &be); err != nil {
		return domain.Board{}, &domain.TransientError{Op: "decode board", Err: err}
	}

	filter := "PartitionKey eq '" + boardID + "'"
	columnRows, err := listEntities(ctx, s.columnsTable, filter)
	if err != nil {
		return domain.Board{}, classify("fetch columns", boardID, err)
	}
	columns := make([]domain.Column, 0, len(columnRows))
	for _, row := range columnRows {
		c, err := decodeColumnEntity(row)
		if err != nil {
			return domain.Board{}, &domain.TransientError{Op: "decode column", Err: err}
		}
		columns = append(columns, c)
	}
	sort.SliceStable(columns, func(i, j int) bool { return columns[i].Order < columns[j].Order })

	taskRows, err := listEntities(ctx, s.tasksTable, filter)
	if err != nil {
		return domain.Board{}, classify("fetch tasks", boardID, err)
	}
	tasks := make([]domain.Task, 0, len(taskRows))
	for _, row := range taskRows {
		t, err := decodeTaskEntity(row)
		if err != nil {
			return domain.Board{}, &domain.TransientError{Op: "decode task", Err: err}
		}
		tasks = append(tasks, t)
	}

	return domain.Board{ID: boardID, Title: be.Title, Columns: columns, Tasks: tasks}, nil
}

func listEntities(ctx context.Context, table *aztables.Client, filter string) ([][]byte, error) {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var rows [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, resp.Entities...)
	}
	return rows, nil
}

func decodeColumnEntity(data []byte) (domain.Column, error) {
	var ent columnEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, err
	}
	return domain.Column{ID: ent.RowKey, Title: ent.Title, Color: ent.Color, Order: ent.Order}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		ColumnID:    ent.ColumnID,
		Position:    ent.Position,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      ent.Status,
		Priority:    ent.Priority,
		UpdatedAt:   time.Time(ent.Timestamp),
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339, ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	// tags and checklist are stored as JSON strings
	if ent.Tags != "" {
		if err := sonic.UnmarshalString(ent.Tags, &t.Tags); err != nil {
			return domain.Task{}, err
		}
	}
	if ent.Checklist != "" {
		if err := sonic.UnmarshalString(ent.Checklist, &t.Checklist); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

// classify maps storage errors onto the domain taxonomy. A missing or
// forbidden row means the board is gone for this caller.
func classify(op, boardID string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return &domain.NotFoundError{BoardID: boardID}
		}
	}
	return &domain.TransientError{Op: op, Err: err}
}

// EnqueueMutation sends a command to the command queue.
func (s *Storage) EnqueueMutation(ctx context.Context, userID, scopeID string, cmd domain.Command) error {
	env := domain.CommandEnvelope{UserID: userID, ScopeID: scopeID, Command: cmd}
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.commandQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return &domain.TransientError{Op: "enqueue " + cmd.Type, Err: err}
	}
	return nil
}
