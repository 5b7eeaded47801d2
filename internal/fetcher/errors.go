package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"depthflow/internal/model"
)

var (
	// ErrUnsupported is returned by a Source for a call the venue or market
	// kind does not offer.
	ErrUnsupported = errors.New("fetcher: not supported by venue")
	// ErrArchiveMissing means the venue has not published the daily archive.
	ErrArchiveMissing = errors.New("fetcher: archive not published")
	ErrNoSource       = errors.New("fetcher: no source registered for venue")
)

// StatusError is a non-2xx REST response or a venue error code. Status holds
// the HTTP status, or 400 for venue parameter errors delivered with 200.
type StatusError struct {
	Venue   model.Venue
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d code %s: %s", e.Venue, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Venue, e.Status, e.Message)
}

// Permanent reports client errors other than throttling. Retrying them would
// return the same answer.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusTeapot
}

// FetchError is returned once a REST call gave up: either the retries were
// exhausted or the failure was permanent.
type FetchError struct {
	Instrument model.Instrument
	Op         string
	Attempts   int
	Permanent  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("fetch %s %s: %s after %d attempt(s): %v", e.Op, e.Instrument, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrNoSource) || errors.Is(err, ErrArchiveMissing) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Permanent
	}
	return false
}
