package source

import (
	"context"
	"fmt"
	"time"
)

// Record is one order record as returned by the source API
type Record map[string]any

// Key returns the record's identity under the given field, or "" when the
// field is absent
func (r Record) Key(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Timestamp parses the given field as a timestamp. Accepts time.Time values
// and RFC3339 strings.
func (r Record) Timestamp(field string) (time.Time, bool) {
	v, ok := r[field]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// Filters narrows a fetch to a subset of orders
type Filters struct {
	Status       string
	UpdatedSince string
	Extra        map[string]string
}

// Client defines the interface to the order-management API
type Client interface {
	// FetchPage returns one page of records. Page numbers are 1-based.
	FetchPage(ctx context.Context, page, pageSize int, filters Filters) ([]Record, error)
	// EstimateCount returns the expected total record count for the
	// filters; used only for progress display, not correctness
	EstimateCount(ctx context.Context, filters Filters) (int, error)
}

// APIError is a structured error from the source API carrying the HTTP
// status so the classifier can read it
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// StatusCode implements classify.StatusCoder
func (e *APIError) StatusCode() int { return e.Status }
