package cos

import (
	"context"
	"net/http"
	"net/url"
)

// Capture todo statuses. The last three are terminal.
const (
	CaptureStatusCaptured       = "captured"
	CaptureStatusProcessing     = "processing"
	CaptureStatusReadyForReview = "ready_for_review"
	CaptureStatusDone           = "done"
	CaptureStatusClosed         = "closed"
)

// SourceSurfaceEditor tags todos captured from the book editor.
const SourceSurfaceEditor = "book_editor"

// CaptureSource locates the text a todo was captured from.
type CaptureSource struct {
	BookID  string  `json:"book_id,omitempty"`
	Section Section `json:"section,omitempty"`
	Slug    string  `json:"slug,omitempty"`
}

// CaptureItem is one captured todo.
type CaptureItem struct {
	ID            string        `json:"id"`
	Content       string        `json:"content"`
	Status        string        `json:"status"`
	Priority      string        `json:"priority,omitempty"`
	SourceSurface string        `json:"source_surface,omitempty"`
	SourceContext CaptureSource `json:"source_context"`
	Tags          []string      `json:"tags"`
	CreatedAt     string        `json:"created_at"`
}

// IsTerminal reports whether polling for this todo can stop.
func (c CaptureItem) IsTerminal() bool {
	switch c.Status {
	case CaptureStatusReadyForReview, CaptureStatusDone, CaptureStatusClosed:
		return true
	}
	return false
}

// CaptureTask is an agent task spawned for a todo.
type CaptureTask struct {
	ID           string `json:"id"`
	TodoID       string `json:"todo_id"`
	TaskType     string `json:"task_type"`
	Status       string `json:"status"`
	Instructions string `json:"instructions,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// CaptureResult is the output of a finished task.
type CaptureResult struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	ResultType string `json:"result_type,omitempty"`
	Content    string `json:"content,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// CaptureSnapshot is a todo together with its tasks and results.
type CaptureSnapshot struct {
	Todo    CaptureItem     `json:"todo"`
	Tasks   []CaptureTask   `json:"tasks"`
	Results []CaptureResult `json:"results"`
}

// CaptureCreateRequest is the body of POST /capture/todos.
type CaptureCreateRequest struct {
	Content       string        `json:"content"`
	Priority      string        `json:"priority,omitempty"`
	SourceSurface string        `json:"source_surface"`
	SourceContext CaptureSource `json:"source_context"`
	Tags          []string      `json:"tags,omitempty"`
}

// CreateCaptureTodo captures a new todo.
func (c *Client) CreateCaptureTodo(ctx context.Context, req CaptureCreateRequest) (*CaptureItem, error) {
	if req.SourceSurface == "" {
		req.SourceSurface = SourceSurfaceEditor
	}
	const path = "/capture/todos"
	resp, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	var item CaptureItem
	if err := decode(resp, http.MethodPost, path, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListCaptureTodos lists todos; activeOnly filters out terminal ones.
func (c *Client) ListCaptureTodos(ctx context.Context, activeOnly bool) ([]CaptureItem, error) {
	path := "/capture/todos"
	if activeOnly {
		path += "?active=true"
	}
	var items []CaptureItem
	if err := c.getJSON(ctx, path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetCaptureTodo returns one todo.
func (c *Client) GetCaptureTodo(ctx context.Context, id string) (*CaptureItem, error) {
	var item CaptureItem
	if err := c.getJSON(ctx, "/capture/todos/"+url.PathEscape(id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetCaptureTodoSnapshot returns a todo with its tasks and results.
func (c *Client) GetCaptureTodoSnapshot(ctx context.Context, id string) (*CaptureSnapshot, error) {
	var snap CaptureSnapshot
	if err := c.getJSON(ctx, "/capture/todos/"+url.PathEscape(id)+"/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
