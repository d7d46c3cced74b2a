// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"net/http"
	"time"
)

// BoxType tags how a Box stores uploaded content.
type BoxType string

// Box types accepted by the catalog.
const (
	BoxTypeIndexed BoxType = "indexed"
	BoxTypeRaw     BoxType = "raw"
)

// Valid reports whether t is a known box type.
func (t BoxType) Valid() bool {
	return t == BoxTypeIndexed || t == BoxTypeRaw
}

// Box is the identity and configuration of one ingestion container.
type Box struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       BoxType   `json:"type"`
	SeedURL    string    `json:"seed_url,omitempty"`
	CrawlDepth int       `json:"crawl_depth"`
	MaxPages   int       `json:"max_pages"`
	RateLimit  float64   `json:"rate_limit"`
	ShelfID    string    `json:"shelf_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Crawlable reports whether the box has a seed URL to crawl from.
func (b Box) Crawlable() bool {
	return b.SeedURL != ""
}

// Status is the lifecycle state shared by crawl sessions and upload operations.
type Status string

// Status values persisted in the box stores.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the session or operation still holds its box.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// SessionOrigin records which controller operation created a session.
type SessionOrigin string

// Session origins.
const (
	OriginStart  SessionOrigin = "start"
	OriginResume SessionOrigin = "resume"
	OriginRetry  SessionOrigin = "retry"
)

// CrawlSession is one attempt to populate a Box by crawling.
type CrawlSession struct {
	ID           string        `json:"id"`
	BoxID        string        `json:"box_id"`
	Status       Status        `json:"status"`
	Origin       SessionOrigin `json:"origin"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Checkpoint   string        `json:"checkpoint,omitempty"`
	ErrorSummary string        `json:"error_summary,omitempty"`
	PagesFetched int           `json:"pages_fetched"`
	PagesFailed  int           `json:"pages_failed"`
}

// PageStatus is the fetch state of a page.
type PageStatus string

// Page statuses.
const (
	PageQueued  PageStatus = "queued"
	PageFetched PageStatus = "fetched"
	PageFailed  PageStatus = "failed"
)

// Page is one fetched (or to-be-fetched) unit of content within a Box.
type Page struct {
	ID           string     `json:"id"`
	BoxID        string     `json:"box_id"`
	SessionID    string     `json:"session_id"`
	URL          string     `json:"url"`
	Status       PageStatus `json:"status"`
	Depth        int        `json:"depth"`
	ContentRef   string     `json:"content_ref,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	Title        string     `json:"title,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	StatusCode   int        `json:"status_code,omitempty"`
	ErrorNote    string     `json:"error_note,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
}

// PageUpdate carries the fields written when a page leaves the queue.
type PageUpdate struct {
	Status      PageStatus
	ContentRef  string
	ContentHash string
	Title       string
	SizeBytes   int64
	StatusCode  int
	ErrorNote   string
	At          time.Time
}

// SessionResult is returned to callers waiting on a crawl.
type SessionResult struct {
	SessionID    string `json:"session_id"`
	Status       Status `json:"status"`
	PagesFetched int    `json:"pages_fetched"`
	PagesFailed  int    `json:"pages_failed"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

// ItemOutcome is the per-item result of an upload.
type ItemOutcome string

// Upload item outcomes.
const (
	ItemStored  ItemOutcome = "stored"
	ItemSkipped ItemOutcome = "skipped"
	ItemFailed  ItemOutcome = "failed"
)

// UploadItem records what happened to one item of an upload operation.
type UploadItem struct {
	OperationID string      `json:"operation_id"`
	Path        string      `json:"path"`
	Outcome     ItemOutcome `json:"outcome"`
	ContentRef  string      `json:"content_ref,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
}

// UploadOperation is one attempt to ingest a set of file-sourced items.
type UploadOperation struct {
	ID           string     `json:"id"`
	BoxID        string     `json:"box_id"`
	Source       string     `json:"source"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ItemsStored  int        `json:"items_stored"`
	ItemsSkipped int        `json:"items_skipped"`
	ItemsFailed  int        `json:"items_failed"`
}

// ItemFailure names one failed upload item.
type ItemFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// UploadResult is returned to callers waiting on an upload.
type UploadResult struct {
	OperationID  string        `json:"operation_id"`
	Status       Status        `json:"status"`
	ItemsStored  int           `json:"items_stored"`
	ItemsSkipped int           `json:"items_skipped"`
	ItemsFailed  int           `json:"items_failed"`
	Failures     []ItemFailure `json:"failures,omitempty"`
}

// BoxStats summarises a box for listings.
type BoxStats struct {
	Pages      map[PageStatus]int `json:"pages"`
	TotalBytes int64              `json:"total_bytes"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SessionID   string
	URL         string
	Depth       int
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
