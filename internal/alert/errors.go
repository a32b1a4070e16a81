package alert

import (
	"fmt"
	"time"
)

// FetchError reports a network or HTTP level failure while retrieving a URL.
// It is recorded on the owning shard and never aborts sibling work.
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

// ParseError reports a payload the parser could not interpret as either an
// alert or a feed index.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TimeoutError marks a shard whose worker exceeded the crawl deadline. The
// coordinator resolves it unilaterally; retry waits for the next cycle.
type TimeoutError struct {
	ShardID  string
	FeedURL  string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s (%s) exceeded deadline %s; worker presumed dead", e.ShardID, e.FeedURL, e.Deadline)
}

// CapacityError flags a truncated query result. It is never fatal: callers
// receive the cap-sized prefix alongside it.
type CapacityError struct {
	Cap int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("result truncated at %d documents", e.Cap)
}
