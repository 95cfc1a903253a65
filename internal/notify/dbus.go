package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Freedesktop notification service constants.
const (
	NotificationsService   = "org.freedesktop.Notifications"
	NotificationsPath      = "/org/freedesktop/Notifications"
	NotificationsInterface = "org.freedesktop.Notifications"

	appName = "coseditor"
)

// DBusNotifier sends notifications over the D-Bus session bus.
type DBusNotifier struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	logger  *slog.Logger
	timeout int32 // ms, -1 lets the server decide

	mu     sync.Mutex
	lastID map[string]uint32 // summary -> id, so repeats replace each other
}

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier(logger *slog.Logger) (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	n := newDBusNotifier(conn.Object(NotificationsService, NotificationsPath), logger)
	n.conn = conn
	return n, nil
}

func newDBusNotifier(obj dbus.BusObject, logger *slog.Logger) *DBusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusNotifier{
		obj:     obj,
		logger:  logger.With("component", "notify"),
		timeout: -1,
		lastID:  make(map[string]uint32),
	}
}

// Notify calls org.freedesktop.Notifications.Notify. A notification with
// the same summary as an earlier one replaces it on screen.
func (d *DBusNotifier) Notify(ctx context.Context, n Notification) error {
	d.mu.Lock()
	replaces := d.lastID[n.Summary]
	d.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(n.Urgency)),
	}
	call := d.obj.CallWithContext(ctx, NotificationsInterface+".Notify", 0,
		appName, replaces, "", n.Summary, n.Body, []string{}, hints, d.timeout)

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	d.mu.Lock()
	d.lastID[n.Summary] = id
	d.mu.Unlock()
	d.logger.Debug("notification sent", "summary", n.Summary, "id", id)
	return nil
}

// Close releases the bus connection.
func (d *DBusNotifier) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
