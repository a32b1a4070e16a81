// Package alert defines core types shared across subsystems.
package alert

import "time"

// CrawlStatus represents the lifecycle state of a crawl cycle.
type CrawlStatus string

// Crawl status values persisted in the crawl store.
const (
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
)

// ShardStatus represents the lifecycle state of one unit of crawl work.
type ShardStatus string

// Shard status values persisted alongside the owning crawl.
const (
	ShardPending    ShardStatus = "pending"
	ShardInProgress ShardStatus = "in_progress"
	ShardDone       ShardStatus = "done"
	ShardError      ShardStatus = "error"
)

// Terminal reports whether the shard reached a final state.
func (s ShardStatus) Terminal() bool {
	return s == ShardDone || s == ShardError
}

// Feed is one whitelisted root URL to crawl. Managed by the admin surface,
// read-only to the crawl pipeline.
type Feed struct {
	URL       string        `json:"url"`
	Enabled   bool          `json:"enabled"`
	Period    time.Duration `json:"period"`
	CreatedAt time.Time     `json:"created_at"`
}

// Crawl is the persisted state of a single crawl cycle. At most one crawl is
// running at a time; a crawl is immutable once completed or failed.
type Crawl struct {
	ID         string      `json:"id"`
	Status     CrawlStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	FeedURLs   []string    `json:"feed_urls"`
}

// CrawlShard is the unit of crawl work and failure accounting, one per
// top-level feed per crawl. Discovered child URLs are attributed to the
// originating feed's shard rather than creating shards of their own.
type CrawlShard struct {
	ID          string      `json:"id"`
	CrawlID     string      `json:"crawl_id"`
	FeedURL     string      `json:"feed_url"`
	Status      ShardStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// Attributes is the normalized attribute bag extracted from an alert payload.
// Keys are drawn from a closed set understood by the query planner; values
// are multi-valued because CAP info blocks repeat.
type Attributes map[string][]string

// Attribute names populated by the parser and recognized by the planner.
const (
	AttrCategory    = "category"
	AttrSeverity    = "severity"
	AttrUrgency     = "urgency"
	AttrCertainty   = "certainty"
	AttrStatus      = "status"
	AttrMsgType     = "msg_type"
	AttrScope       = "scope"
	AttrSender      = "sender"
	AttrEvent       = "event"
	AttrAreaDesc    = "area_desc"
	AttrAreaGeohash = "area_geohash"
	AttrAreaPoint   = "area_point"
)

// Get returns the values for an attribute name, nil if absent.
func (a Attributes) Get(name string) []string {
	if a == nil {
		return nil
	}
	return a[name]
}

// Add appends a value, skipping empty strings.
func (a Attributes) Add(name, value string) {
	if value == "" {
		return
	}
	a[name] = append(a[name], value)
}

// Clone returns a deep copy so stored documents never alias caller maps.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	cp := make(Attributes, len(a))
	for k, v := range a {
		cp[k] = append([]string(nil), v...)
	}
	return cp
}

// Document is a normalized alert record committed to the alert store.
// Updates are wholesale and per-record atomic; a failed parse never touches
// the previously committed version.
type Document struct {
	// ID is derived from the source URL plus the alert identifier.
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	SourceURL  string `json:"source_url"`
	FeedURL    string `json:"feed_url"`
	// CrawlID records the crawl that last wrote this document.
	CrawlID    string     `json:"crawl_id"`
	Sent       time.Time  `json:"sent"`
	Expires    *time.Time `json:"expires,omitempty"`
	Attributes Attributes `json:"attributes"`
	RawHash    string     `json:"raw_hash"`
	BlobURI    string     `json:"blob_uri"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// ParsedKind discriminates the parser's tagged result.
type ParsedKind string

// Parser classifications.
const (
	ParsedAlert ParsedKind = "alert"
	ParsedIndex ParsedKind = "index"
)

// Parsed is the parser collaborator's result: either a terminal alert with
// its normalized attributes, or a feed index listing further URLs.
type Parsed struct {
	Kind  ParsedKind
	Alert *AlertPayload
	Index *IndexPayload
}

// AlertPayload carries the fields extracted from a terminal alert document.
type AlertPayload struct {
	Identifier string
	Sent       time.Time
	Expires    *time.Time
	Attributes Attributes
}

// IndexPayload lists the URLs referenced by a feed index document.
type IndexPayload struct {
	Entries []string
}

// FetchTask is one unit of fetch work dispatched onto the worker pool.
type FetchTask struct {
	CrawlID string
	ShardID string
	FeedURL string
	URL     string
	// Depth is 0 for the feed's root URL and grows with nested indices.
	Depth      int
	EnqueuedAt int64
}
