package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrLaunchFailure means the browser's debug endpoint never became ready.
	ErrLaunchFailure = errors.New("browser launch failed")
	// ErrProtocolTimeout means a protocol response or event did not arrive in time.
	ErrProtocolTimeout = errors.New("protocol timeout")
	// ErrBrowsingTimeout means a page did not finish loading within the page timeout.
	ErrBrowsingTimeout = errors.New("browsing timeout")
	// ErrProxy means the forward proxy could not be reached.
	ErrProxy = errors.New("proxy connection failed")
	// ErrNothingToClaim is expected when no site or page is available.
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrCrawlJobStopped means an operator asked the job or site to stop.
	ErrCrawlJobStopped = errors.New("crawl job stopped")
	// ErrNoCapacity means every browser in the pool is in use.
	ErrNoCapacity = errors.New("no browser capacity")
	// ErrBrowserBusy means a browse was attempted while another was in flight.
	ErrBrowserBusy = errors.New("browser already browsing a page")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means a conditional claim lost the race.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrStaleWrite means a record changed between read and conditional write.
	ErrStaleWrite = errors.New("stale write")
)

// BrowsingError is a generic session-ending browsing failure.
type BrowsingError struct {
	Msg string
	Err error
}

func (e *BrowsingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("browsing: %s: %v", e.Msg, e.Err)
	}
	return "browsing: " + e.Msg
}

func (e *BrowsingError) Unwrap() error {
	return e.Err
}

// ReachedLimitError signals the archiving proxy refused further captures.
type ReachedLimitError struct {
	Payload json.RawMessage
}

// NewReachedLimitError decodes the Warcprox-Meta header value carrying the payload.
func NewReachedLimitError(headerValue string) *ReachedLimitError {
	var envelope struct {
		ReachedLimit json.RawMessage `json:"reached-limit"`
	}
	if err := json.Unmarshal([]byte(headerValue), &envelope); err == nil && len(envelope.ReachedLimit) > 0 {
		return &ReachedLimitError{Payload: envelope.ReachedLimit}
	}
	payload, err := json.Marshal(map[string]string{"raw": headerValue})
	if err != nil {
		return &ReachedLimitError{}
	}
	return &ReachedLimitError{Payload: payload}
}

func (e *ReachedLimitError) Error() string {
	return fmt.Sprintf("reached limit: %s", string(e.Payload))
}

// UnexpectedDBResultError is raised when a mutation's result violates an invariant.
type UnexpectedDBResultError struct {
	Op       string
	Expected int64
	Got      int64
}

func (e *UnexpectedDBResultError) Error() string {
	return fmt.Sprintf("unexpected db result for %s: expected %d rows, got %d", e.Op, e.Expected, e.Got)
}

// IsReachedLimit reports whether err carries a ReachedLimitError.
func IsReachedLimit(err error) (*ReachedLimitError, bool) {
	var rl *ReachedLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
