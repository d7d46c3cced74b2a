package ingest

import (
	"errors"
	"fmt"
)

// Structural errors abort the requested operation and are returned to the caller.
var (
	// ErrConflict signals that an active session or operation already holds the box.
	ErrConflict = errors.New("conflict")
	// ErrNotFound signals an unknown box, page, session or operation.
	ErrNotFound = errors.New("not found")
	// ErrSourceNotFound signals that an upload source could not be resolved.
	ErrSourceNotFound = errors.New("source not found")
	// ErrForbidden signals that the caller's shelves do not include the box.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidBox signals a box definition or box kind unfit for the operation.
	ErrInvalidBox = errors.New("invalid box")
	// ErrInvalidArgument signals a malformed request option.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrScopeRejected marks a discovered link outside the crawl scope. It is never
// surfaced to callers; links carrying it are dropped.
var ErrScopeRejected = errors.New("link outside crawl scope")

// ErrRobotsDisallowed marks a fetch refused by the site's robots.txt. It is
// recorded against the page and never retried.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

// FetchError is a per-URL failure recorded against a page.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
