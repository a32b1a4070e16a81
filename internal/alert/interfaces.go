package alert

import (
	"context"
	"errors"
	"io"
	"time"
)

// Fetcher retrieves the raw bytes at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	CrawlID string
	URL     string
	Depth   int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Parser classifies a raw payload as a terminal alert or a feed index.
// Implementations may be strict or lenient; the pipeline only depends on
// this contract.
type Parser interface {
	Parse(raw []byte) (Parsed, error)
}

// ErrQueueClosed is returned by Dequeue once a Queue has shut down and
// drained. Workers treat it as a stop signal, not a failure.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for fetch tasks.
type Queue interface {
	Enqueue(ctx context.Context, task FetchTask) error
	Dequeue(ctx context.Context) (FetchTask, error)
}

// BlobStore archives raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes committed-document events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob pathing and change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl and shard IDs. IDs must sort by creation time
// so the planner's (crawl_id DESC, identifier ASC) ordering is stable.
type IDGenerator interface {
	NewID() (string, error)
}
