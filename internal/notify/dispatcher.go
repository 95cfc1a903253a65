package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coseditor/internal/buffer"
	"coseditor/internal/capture"
	"coseditor/internal/health"
)

const sendTimeout = 2 * time.Second

// Dispatcher turns engine, capture and connection events into
// notifications. Its methods are meant to be passed to the Subscribe and
// OnChange hooks of those components.
type Dispatcher struct {
	n      Notifier
	logger *slog.Logger

	mu        sync.Mutex
	settled   map[string]string // todo id -> status already announced
	connected *bool
}

// NewDispatcher creates a Dispatcher sending through n.
func NewDispatcher(n Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		n:       n,
		logger:  logger.With("component", "notify"),
		settled: make(map[string]string),
	}
}

// BufferEvent announces conflicts.
func (d *Dispatcher) BufferEvent(ev buffer.Event) {
	if ev.Kind != buffer.EventConflict || ev.Conflict == nil {
		return
	}
	c := ev.Conflict
	body := fmt.Sprintf("The %s copy changed on the server. Reload before saving again.", c.Mode)
	if c.Operation == buffer.OpAccept {
		body = "The draft or the live chapter changed on the server. Reload before accepting."
	}
	d.send(Notification{
		Summary: fmt.Sprintf("Conflict on %s", c.Operation),
		Body:    body,
		Urgency: UrgencyCritical,
	})
}

// CaptureState announces a polled todo reaching a terminal status, once
// per status.
func (d *Dispatcher) CaptureState(st capture.State) {
	snap := st.ActiveSnapshot
	if snap == nil || !snap.Todo.IsTerminal() {
		return
	}
	todo := snap.Todo

	d.mu.Lock()
	if d.settled[todo.ID] == todo.Status {
		d.mu.Unlock()
		return
	}
	d.settled[todo.ID] = todo.Status
	d.mu.Unlock()

	body := todo.Content
	if n := len(snap.Results); n > 0 {
		body = fmt.Sprintf("%s\n%d result(s) available", todo.Content, n)
	}
	d.send(Notification{
		Summary: fmt.Sprintf("Capture %s", todo.Status),
		Body:    body,
		Urgency: UrgencyNormal,
	})
}

// ConnectionChanged announces transitions between reachable and
// unreachable. The first result is only announced when it is a failure.
func (d *Dispatcher) ConnectionChanged(st health.ConnectionStatus) {
	d.mu.Lock()
	prev := d.connected
	now := st.Connected
	d.connected = &now
	d.mu.Unlock()

	if prev != nil && *prev == now {
		return
	}
	if now {
		if prev == nil {
			return
		}
		d.send(Notification{Summary: "Store reachable again", Body: st.APIURL, Urgency: UrgencyLow})
		return
	}
	d.send(Notification{Summary: "Store unreachable", Body: fmt.Sprintf("%s: %s", st.APIURL, st.Error), Urgency: UrgencyCritical})
}

func (d *Dispatcher) send(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.n.Notify(ctx, n); err != nil {
		d.logger.Warn("notification failed", "summary", n.Summary, "error", err)
	}
}
