package cos

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned for HTTP 404.
type NotFoundError struct {
	Method string
	Path   string
	Body   []byte
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// ConflictError is returned for HTTP 409: the expected head named in the
// request no longer matches the server's head.
type ConflictError struct {
	Method  string
	Path    string
	Message string
	Body    []byte
}

func (e *ConflictError) Error() string {
	return e.Message
}

// RemoteError covers every other failure: non-2xx statuses other than 404
// and 409, and network failures (StatusCode 0).
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("network error on %s %s: %v", e.Method, e.Path, e.Err)
	}
	if msg := errorMessage(e.Body); msg != "" {
		return fmt.Sprintf("HTTP %d on %s %s: %s", e.StatusCode, e.Method, e.Path, msg)
	}
	return fmt.Sprintf("HTTP %d on %s %s", e.StatusCode, e.Method, e.Path)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// StatusCode extracts the HTTP status from any client error, 0 otherwise.
func StatusCode(err error) int {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return 404
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return 409
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// errorMessage pulls a human-readable message out of an error body.
// FastAPI puts it in "detail", which may itself be an object.
func errorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	if !json.Valid(body) {
		return trimmed
	}

	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch d := payload.Detail.(type) {
	case string:
		if d != "" {
			return d
		}
	case map[string]any:
		if m, ok := d["message"].(string); ok && m != "" {
			return m
		}
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
