package domain

import "time"

// Board is a complete snapshot of one board: ordered columns and their tasks.
type Board struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// Column is a board column. Display order is its index in Board.Columns;
// Order is only the sort key persisted by the backend.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Color string `json:"color,omitempty"`
	Order int    `json:"order"`
}

// Task represents a single card on the board.
type Task struct {
	ID          string          `json:"id"`
	ColumnID    string          `json:"columnId"`
	Position    float64         `json:"position"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Tags        []Tag           `json:"tags,omitempty"`
	Checklist   []ChecklistItem `json:"checklist,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

type Tag struct {
	Name   string `json:"name"`
	Bg     string `json:"bg,omitempty"`
	Text   string `json:"text,omitempty"`
	Border string `json:"border,omitempty"`
}

type ChecklistItem struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ColumnIDs returns the column ids in display order.
func (b Board) ColumnIDs() []string {
	ids := make([]string, 0, len(b.Columns))
	for _, c := range b.Columns {
		ids = append(ids, c.ID)
	}
	return ids
}

// HasColumn reports whether a column with the given id is present.
func (b Board) HasColumn(id string) bool {
	for _, c := range b.Columns {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no slices or pointers with b.
func (b Board) Clone() Board {
	out := Board{ID: b.ID, Title: b.Title}
	if b.Columns != nil {
		out.Columns = make([]Column, len(b.Columns))
		copy(out.Columns, b.Columns)
	}
	if b.Tasks != nil {
		out.Tasks = make([]Task, len(b.Tasks))
		for i, t := range b.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	if t.Tags != nil {
		out.Tags = make([]Tag, len(t.Tags))
		copy(out.Tags, t.Tags)
	}
	if t.Checklist != nil {
		out.Checklist = make([]ChecklistItem, len(t.Checklist))
		copy(out.Checklist, t.Checklist)
	}
	return out
}
