package cos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Response headers carrying the revision hash. X-Content-Hash wins when
// both are present.
const (
	HeaderETag        = "ETag"
	HeaderContentHash = "X-Content-Hash"
	HeaderTenantID    = "X-Tenant-ID"
	HeaderRequestID   = "X-Request-ID"
)

// Client talks to the COS manuscript store over HTTP.
//
// Base URL and tenant are read at the start of every request, so
// UpdateConfig only affects calls issued after it returns.
type Client struct {
	mu       sync.RWMutex
	baseURL  string
	tenantID string

	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets a per-request timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the store at baseURL acting as tenantID.
func New(baseURL, tenantID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    normalizeBaseURL(baseURL),
		tenantID:   tenantID,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateConfig points the client at a new store or tenant.
func (c *Client) UpdateConfig(baseURL, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = normalizeBaseURL(baseURL)
	c.tenantID = tenantID
}

// BaseURL returns the current base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// TenantID returns the current tenant.
func (c *Client) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID
}

func normalizeBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do issues one request and classifies failures into the typed errors.
func (c *Client) do(ctx context.Context, method, path string, body any) (*response, error) {
	c.mu.RLock()
	base, tenant := c.baseURL, c.tenantID
	c.mu.RUnlock()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, &RemoteError{Method: method, Path: path, Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderTenantID, tenant)
	req.Header.Set(HeaderRequestID, reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "request_id", reqID, "error", err)
		return nil, &RemoteError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Method: method, Path: path, Body: data}
	case resp.StatusCode == http.StatusConflict:
		msg := errorMessage(data)
		if msg == "" {
			msg = "concurrent modification on " + path
		}
		return nil, &ConflictError{Method: method, Path: path, Message: msg, Body: data}
	default:
		return nil, &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: data}
	}
}

// getJSON issues a GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(resp, http.MethodGet, path, out)
}

func decode(resp *response, method, path string, out any) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &RemoteError{
			Method:     method,
			Path:       path,
			StatusCode: resp.status,
			Body:       resp.body,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// contentHash resolves the revision hash of a response: X-Content-Hash,
// then the unquoted ETag, then the body's own field.
func contentHash(h http.Header, fallback Hash) Hash {
	if v := strings.TrimSpace(h.Get(HeaderContentHash)); v != "" {
		return Hash(v)
	}
	if v := strings.TrimSpace(h.Get(HeaderETag)); v != "" {
		v = strings.TrimPrefix(v, "W/")
		return Hash(strings.Trim(v, `"`))
	}
	return fallback
}

func chapterPath(ref ChapterRef) string {
	return fmt.Sprintf("/manuscripts/%s/chapters/%s/%s",
		url.PathEscape(ref.BookID), url.PathEscape(string(ref.Section)), url.PathEscape(ref.Slug))
}

func (c *Client) fetchChapter(ctx context.Context, path string) (*ChapterResult, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var chapter ChapterContent
	if err := decode(resp, http.MethodGet, path, &chapter); err != nil {
		return nil, err
	}
	return &ChapterResult{
		Chapter:     chapter,
		Content:     chapter.Body(),
		Title:       chapter.Title,
		ContentHash: contentHash(resp.header, chapter.ContentHash),
	}, nil
}

func (c *Client) write(ctx context.Context, method, path string, body any) (*WriteResult, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var vr VersionResponse
	if err := decode(resp, method, path, &vr); err != nil {
		return nil, err
	}
	return &WriteResult{Response: vr, ContentHash: contentHash(resp.header, vr.ContentHash)}, nil
}

// FetchLive returns the live chapter.
func (c *Client) FetchLive(ctx context.Context, ref ChapterRef) (*ChapterResult, error) {
	return c.fetchChapter(ctx, chapterPath(ref))
}

// FetchDraft returns the draft chapter; NotFoundError when none exists.
func (c *Client) FetchDraft(ctx context.Context, ref ChapterRef) (*ChapterResult, error) {
	return c.fetchChapter(ctx, chapterPath(ref)+"/draft")
}

// FetchVersion returns the live chapter as it was at revision hash.
func (c *Client) FetchVersion(ctx context.Context, ref ChapterRef, hash Hash) (*ChapterResult, error) {
	return c.fetchChapter(ctx, chapterPath(ref)+"/versions/"+url.PathEscape(string(hash)))
}

// SaveLive writes the live chapter.
func (c *Client) SaveLive(ctx context.Context, ref ChapterRef, req SaveRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodPut, chapterPath(ref), req)
}

// SaveDraft writes the draft chapter.
func (c *Client) SaveDraft(ctx context.Context, ref ChapterRef, req SaveRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodPut, chapterPath(ref)+"/draft", req)
}

// PromoteDraftToLive folds the draft into live. Both expected heads must
// still hold on the server.
func (c *Client) PromoteDraftToLive(ctx context.Context, ref ChapterRef, req AcceptRequest) (*AcceptResult, error) {
	path := chapterPath(ref) + "/draft/accept"
	resp, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	var ar AcceptResponse
	if err := decode(resp, http.MethodPost, path, &ar); err != nil {
		return nil, err
	}
	return &AcceptResult{Response: ar, ContentHash: contentHash(resp.header, ar.ContentHash)}, nil
}

// Revert moves the live head back to an earlier revision.
func (c *Client) Revert(ctx context.Context, ref ChapterRef, req RevertRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodPost, chapterPath(ref)+"/revert", req)
}

// Publish publishes the live chapter.
func (c *Client) Publish(ctx context.Context, ref ChapterRef, req HeadRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodPost, chapterPath(ref)+"/publish", req)
}

// Delete removes the chapter.
func (c *Client) Delete(ctx context.Context, ref ChapterRef, req HeadRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodDelete, chapterPath(ref), req)
}

// ReorderSection sets the chapter order of a section.
func (c *Client) ReorderSection(ctx context.Context, bookID string, section Section, req ReorderRequest) (*WriteResult, error) {
	path := fmt.Sprintf("/manuscripts/%s/sections/%s/reorder", url.PathEscape(bookID), url.PathEscape(string(section)))
	return c.write(ctx, http.MethodPost, path, req)
}

// InitializeManuscript creates an empty manuscript for bookID.
func (c *Client) InitializeManuscript(ctx context.Context, bookID string, req InitializeRequest) (*WriteResult, error) {
	return c.write(ctx, http.MethodPost, "/manuscripts/"+url.PathEscape(bookID)+"/initialize", req)
}

// GetManuscript returns the structure of a book.
func (c *Client) GetManuscript(ctx context.Context, bookID string) (*Manuscript, error) {
	var m Manuscript
	if err := c.getJSON(ctx, "/manuscripts/"+url.PathEscape(bookID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListBooks returns the tenant's books.
func (c *Client) ListBooks(ctx context.Context) ([]BookRecord, error) {
	var books []BookRecord
	if err := c.getJSON(ctx, "/books", &books); err != nil {
		return nil, err
	}
	return books, nil
}

// GetBook returns one book record.
func (c *Client) GetBook(ctx context.Context, bookID string) (*BookRecord, error) {
	var b BookRecord
	if err := c.getJSON(ctx, "/books/"+url.PathEscape(bookID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ChapterHistory lists the live revisions of a chapter.
func (c *Client) ChapterHistory(ctx context.Context, ref ChapterRef) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := c.getJSON(ctx, chapterPath(ref)+"/history", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// DraftChapterHistory lists the draft revisions of a chapter.
func (c *Client) DraftChapterHistory(ctx context.Context, ref ChapterRef) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := c.getJSON(ctx, chapterPath(ref)+"/draft/history", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SectionHistory lists the revisions of a section's structure.
func (c *Client) SectionHistory(ctx context.Context, bookID string, section Section) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	path := fmt.Sprintf("/manuscripts/%s/sections/%s/history", url.PathEscape(bookID), url.PathEscape(string(section)))
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// HealthCheck probes /health. It never fails; errors report OK=false.
func (c *Client) HealthCheck(ctx context.Context) HealthResult {
	start := time.Now()
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return HealthResult{OK: err == nil, Latency: time.Since(start)}
}
