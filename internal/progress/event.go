// Package progress defines the events emitted while boxes are crawled or uploaded.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchFailed  Stage = "FETCH_FAILED"
	StageUploadStart  Stage = "UPLOAD_START"
	StageUploadItem   Stage = "UPLOAD_ITEM"
	StageUploadDone   Stage = "UPLOAD_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one milestone of a crawl session or upload operation.
type Event struct {
	// RunID is the crawl session id or upload operation id.
	RunID string
	BoxID string
	TS    time.Time
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	URL  string
	// Path names the upload item for StageUploadItem.
	Path        string
	Bytes       int64
	StatusClass StatusClass
	// Status is the terminal state carried by SESSION_DONE and UPLOAD_DONE.
	Status  ingest.Status
	Outcome ingest.ItemOutcome
	Dur     time.Duration
	Note    string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageUploadStart:
	case StageSessionDone, StageUploadDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("%s requires a terminal status, got %q", e.Stage, e.Status)
		}
	case StageFetchDone, StageFetchFailed:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageUploadItem:
		if e.Outcome == "" {
			return errors.New("upload item requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
