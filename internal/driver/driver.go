// Package driver abstracts one headless-browser context behind a small
// capability port. Implementations classify every failure as Transient,
// Permanent, or Cancelled; callers never see driver-specific state.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureClass tells the orchestrator whether a step is worth retrying.
type FailureClass int

const (
	// Transient failures (network, timeout, crashed session) are retriable.
	Transient FailureClass = iota
	// Permanent failures (selector missing, unrecognized page) are not.
	Permanent
	// Cancelled means the context was cancelled mid-step.
	Cancelled
)

func (c FailureClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error wraps a capability failure with its classification.
type Error struct {
	Class FailureClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified driver error.
func NewError(class FailureClass, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the failure class of err, defaulting to Transient for
// unclassified errors (unknown failures are assumed recoverable) and to
// Cancelled for context errors.
func ClassOf(err error) FailureClass {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return ClassOf(err) == Transient }

// IsPermanent reports whether err is terminal for the task.
func IsPermanent(err error) bool { return ClassOf(err) == Permanent }

// IsCancelled reports whether err came from cancellation.
func IsCancelled(err error) bool { return ClassOf(err) == Cancelled }

// Timeouts carried by every capability call.
const (
	OpenTimeout     = 45 * time.Second
	NavigateTimeout = 30 * time.Second
	WaitTimeout     = 20 * time.Second
	ScrollTimeout   = 15 * time.Second
	ParseTimeout    = 10 * time.Second
	CaptureTimeout  = 5 * time.Second
	CloseTimeout    = 10 * time.Second
)

// PlaceRecord is one parsed result-list entry, before it becomes a domain
// place.
type PlaceRecord struct {
	Name        string
	Address     string
	Category    string
	Rating      *float64
	ReviewCount *int
	Phone       string
	Website     string
	Latitude    *float64
	Longitude   *float64
	Reviews     []ReviewRecord
}

// ReviewRecord is one parsed review under a place.
type ReviewRecord struct {
	Author   string
	Rating   float64
	Text     string
	PostedAt time.Time
}

// Session is one open browser context. All methods apply the package
// timeouts internally and honor ctx cancellation.
type Session interface {
	// Navigate loads url and waits for the document to settle.
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until selector is present or the wait budget expires.
	WaitFor(ctx context.Context, selector string) error
	// FillQuery types text into the page's search box and submits it.
	FillQuery(ctx context.Context, text string) error
	// ScrollResults scrolls the result list up to maxScrolls times,
	// stopping early when the list stops growing.
	ScrollResults(ctx context.Context, maxScrolls int) error
	// ParseResults extracts up to maxResults place records from the list.
	ParseResults(ctx context.Context, maxResults int) ([]PlaceRecord, error)
	// CaptureImage screenshots the viewport as PNG bytes.
	CaptureImage(ctx context.Context) ([]byte, error)
	// CurrentURL reports the page's current location.
	CurrentURL() string
	// Alive reports whether the underlying context is still usable.
	Alive() bool
	// Close tears the context down. Safe to call twice.
	Close(ctx context.Context) error
}

// Driver opens sessions.
type Driver interface {
	Open(ctx context.Context) (Session, error)
}
