// Package journal keeps a local SQLite history of every revision the
// buffer engine created on the manuscript store.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"coseditor/internal/clock"
	"coseditor/internal/cos"
)

// Entry is one recorded revision.
type Entry struct {
	ID         int64
	SessionID  string
	Ref        cos.ChapterRef
	Mode       string
	Operation  string
	Version    cos.RemoteVersion
	RecordedAt time.Time
}

// LastOpened is the chapter the editor had open most recently.
type LastOpened struct {
	Ref      cos.ChapterRef
	Mode     string
	OpenedAt time.Time
}

// Option configures a Journal.
type Option func(*Journal)

func WithClock(c clock.Clock) Option {
	return func(j *Journal) {
		if c != nil {
			j.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Journal is the SQLite version journal. Each Journal value is one
// editor session.
type Journal struct {
	db      *sql.DB
	session string
	clock   clock.Clock
	logger  *slog.Logger
}

// Open opens or creates the journal at path, runs migrations and starts
// a new session.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:     db,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "journal")

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session id: %w", err)
	}
	j.session = id.String()
	host, _ := os.Hostname()
	if _, err := db.ExecContext(ctx,
		"INSERT INTO sessions (id, started_at, hostname) VALUES (?, ?, ?)",
		j.session, j.clock.Now().UnixNano(), host,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	j.logger.Debug("journal opened", "path", path, "session", j.session)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// SessionID identifies this editor session in recorded entries.
func (j *Journal) SessionID() string { return j.session }

// Ping checks that the database answers.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// RecordVersion stores one revision. It satisfies buffer.Recorder.
func (j *Journal) RecordVersion(ctx context.Context, ref cos.ChapterRef, mode, operation string, v cos.RemoteVersion) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if v.ContentHash.IsZero() {
		return errors.New("record version: content hash is required")
	}

	var parent sql.NullString
	if !v.ParentHash.IsZero() {
		parent = sql.NullString{String: string(v.ParentHash), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO versions (session_id, book_id, section, slug, mode, operation, content_hash, parent_hash, created_ns, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.session, ref.BookID, string(ref.Section), ref.Slug, mode, operation,
		string(v.ContentHash), parent, toNanos(v.CreatedAt), j.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}

// History returns up to limit entries for ref and mode, newest first.
// An empty mode matches both modes; limit <= 0 means no limit.
func (j *Journal) History(ctx context.Context, ref cos.ChapterRef, mode string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, book_id, section, slug, mode, operation, content_hash, parent_hash, created_ns, recorded_ns
		FROM versions
		WHERE book_id = ? AND section = ? AND slug = ? AND (? = '' OR mode = ?)
		ORDER BY id DESC
		LIMIT ?`,
		ref.BookID, string(ref.Section), ref.Slug, mode, mode, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Latest returns the newest entry for ref and mode, or nil when there is
// none.
func (j *Journal) Latest(ctx context.Context, ref cos.ChapterRef, mode string) (*Entry, error) {
	entries, err := j.History(ctx, ref, mode, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// SessionEntries returns everything recorded by session, oldest first.
func (j *Journal) SessionEntries(ctx context.Context, session string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, book_id, section, slug, mode, operation, content_hash, parent_hash, created_ns, recorded_ns
		FROM versions
		WHERE session_id = ?
		ORDER BY id ASC`, session,
	)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// SetLastOpened remembers the chapter the editor opened.
func (j *Journal) SetLastOpened(ctx context.Context, ref cos.ChapterRef, mode string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO last_opened (id, book_id, section, slug, mode, opened_ns)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			book_id = excluded.book_id,
			section = excluded.section,
			slug = excluded.slug,
			mode = excluded.mode,
			opened_ns = excluded.opened_ns`,
		ref.BookID, string(ref.Section), ref.Slug, mode, j.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set last opened: %w", err)
	}
	return nil
}

// GetLastOpened returns the last opened chapter, or nil when nothing was
// ever opened.
func (j *Journal) GetLastOpened(ctx context.Context) (*LastOpened, error) {
	var (
		lo       LastOpened
		section  string
		openedNs int64
	)
	err := j.db.QueryRowContext(ctx,
		"SELECT book_id, section, slug, mode, opened_ns FROM last_opened WHERE id = 1",
	).Scan(&lo.Ref.BookID, &section, &lo.Ref.Slug, &lo.Mode, &openedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last opened: %w", err)
	}
	lo.Ref.Section = cos.Section(section)
	lo.OpenedAt = time.Unix(0, openedNs).UTC()
	return &lo, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e                     Entry
			section, hash         string
			parent                sql.NullString
			createdNs, recordedNs int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Ref.BookID, &section, &e.Ref.Slug, &e.Mode, &e.Operation,
			&hash, &parent, &createdNs, &recordedNs); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Ref.Section = cos.Section(section)
		e.Version = cos.RemoteVersion{
			ContentHash: cos.Hash(hash),
			ParentHash:  cos.Hash(parent.String),
			CreatedAt:   fromNanos(createdNs),
		}
		e.RecordedAt = time.Unix(0, recordedNs).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// toNanos maps the zero time to 0 so it survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
