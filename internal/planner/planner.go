// Package planner turns filter specifications into store queries plus
// residual in-memory predicates, and executes them with capped, resumable
// results.
package planner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/geo"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/store"
)

// FilterSpec describes a caller's query over the alert mirror.
type FilterSpec struct {
	// Attrs maps attribute names to accepted values; one value means
	// equality, several mean membership.
	Attrs map[string][]string
	// SentAfter/SentBefore bound the alert sent time (exclusive).
	SentAfter  *time.Time
	SentBefore *time.Time
	// BBox restricts results to alerts whose area centroid lies inside.
	BBox *geo.BoundingBox
	// AllCrawls lifts the default restriction to each feed's most recent
	// completed crawl.
	AllCrawls bool
	// Limit caps the result; zero means the configured default.
	Limit int
	// AfterCrawlID/AfterIdentifier resume a previous truncated result.
	AfterCrawlID    string
	AfterIdentifier string
}

// Result carries an executed query's documents plus paging state.
type Result struct {
	Docs []alert.Document
	// Truncated reports that more matching documents exist beyond the cap.
	Truncated bool
	// NextCrawlID/NextIdentifier resume the scan when Truncated is set.
	NextCrawlID    string
	NextIdentifier string

	cap int
}

// Err surfaces truncation as a capacity error. The result itself is still
// valid; callers decide whether a partial answer is acceptable.
func (r Result) Err() error {
	if r.Truncated {
		return &alert.CapacityError{Cap: r.cap}
	}
	return nil
}

// Config controls planning limits.
type Config struct {
	// MaxResults is the hard cap on documents per execution.
	MaxResults int
	// DefaultResults applies when the caller gives no limit.
	DefaultResults int
	// MaxGeoCells bounds the geohash cover pushed into the primary query.
	MaxGeoCells int
	// MaxValuesPerAttr bounds membership lists in the primary query; longer
	// lists are evaluated residually.
	MaxValuesPerAttr int
	// MaxScanPages bounds how many store pages one execution may walk while
	// residual filtering discards rows.
	MaxScanPages int
	// RecentCrawlWindow is how many recent crawls to inspect when resolving
	// each feed's last completed crawl.
	RecentCrawlWindow int
}

const (
	defaultMaxResults        = 1000
	defaultResults           = 100
	defaultMaxGeoCells       = 32
	defaultMaxValuesPerAttr  = 10
	defaultMaxScanPages      = 20
	defaultRecentCrawlWindow = 50
)

// Planner executes filter specifications against the alert store.
type Planner struct {
	alerts store.AlertRepository
	crawls store.CrawlRepository
	cfg    Config
	logger *zap.Logger
}

// New constructs a Planner.
func New(alerts store.AlertRepository, crawls store.CrawlRepository, cfg Config, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = defaultResults
	}
	if cfg.MaxGeoCells <= 0 {
		cfg.MaxGeoCells = defaultMaxGeoCells
	}
	if cfg.MaxValuesPerAttr <= 0 {
		cfg.MaxValuesPerAttr = defaultMaxValuesPerAttr
	}
	if cfg.MaxScanPages <= 0 {
		cfg.MaxScanPages = defaultMaxScanPages
	}
	if cfg.RecentCrawlWindow <= 0 {
		cfg.RecentCrawlWindow = defaultRecentCrawlWindow
	}
	return &Planner{alerts: alerts, crawls: crawls, cfg: cfg, logger: logger}
}

// plan is the split of a FilterSpec into the store query and the residual
// predicates the store cannot evaluate.
type executionPlan struct {
	query    store.DocumentQuery
	residual []predicate
	cap      int
}

// predicate is a residual check evaluated per document after the primary
// query returns.
type predicate func(doc alert.Document) bool

// buildPlan splits the filter: indexed attribute predicates and the geohash cover go
// into the store query; oversized membership lists and exact bounding-box
// containment stay residual.
func (p *Planner) buildPlan(spec FilterSpec) executionPlan {
	limit := spec.Limit
	if limit <= 0 {
		limit = p.cfg.DefaultResults
	}
	if limit > p.cfg.MaxResults {
		limit = p.cfg.MaxResults
	}

	q := store.DocumentQuery{
		SentAfter:       spec.SentAfter,
		SentBefore:      spec.SentBefore,
		AfterCrawlID:    spec.AfterCrawlID,
		AfterIdentifier: spec.AfterIdentifier,
		Limit:           limit,
	}
	var residual []predicate

	for name, values := range spec.Attrs {
		if len(values) == 0 {
			continue
		}
		if len(values) <= p.cfg.MaxValuesPerAttr {
			if q.Attrs == nil {
				q.Attrs = make(map[string][]string)
			}
			q.Attrs[name] = values
			continue
		}
		residual = append(residual, attrMembership(name, values))
	}

	if spec.BBox != nil {
		q.GeohashCells = geo.CoverBoundingBox(*spec.BBox, p.cfg.MaxGeoCells)
		residual = append(residual, bboxContains(*spec.BBox))
	}

	return executionPlan{query: q, residual: residual, cap: limit}
}

// Execute runs a filter to completion: primary store pages are walked,
// residual predicates applied, and duplicate identifiers collapsed keeping
// the newest crawl's copy. Results never exceed the cap; overflow is
// reported via Result.Truncated, never as a failure.
func (p *Planner) Execute(ctx context.Context, spec FilterSpec) (Result, error) {
	pl := p.buildPlan(spec)

	if !spec.AllCrawls {
		crawlIDs, err := p.lastCrawlIDs(ctx)
		if err != nil {
			return Result{}, err
		}
		if len(crawlIDs) == 0 {
			return Result{cap: pl.cap}, nil
		}
		pl.query.CrawlIDs = crawlIDs
	}

	result := Result{cap: pl.cap}
	seen := make(map[string]struct{})
	q := pl.query

	storeHasMore := false
	for page := 0; page < p.cfg.MaxScanPages; page++ {
		docs, truncated, err := p.alerts.SearchDocuments(ctx, q)
		if err != nil {
			return Result{}, fmt.Errorf("search documents: %w", err)
		}
		storeHasMore = truncated
		for _, doc := range docs {
			if !matchesResidual(doc, pl.residual) {
				continue
			}
			// Order is crawl DESC, so the first copy of an
			// identifier is the newest.
			if _, dup := seen[doc.Identifier]; dup {
				continue
			}
			if len(result.Docs) >= pl.cap {
				result.Truncated = true
				break
			}
			seen[doc.Identifier] = struct{}{}
			result.Docs = append(result.Docs, doc)
			result.NextCrawlID = doc.CrawlID
			result.NextIdentifier = doc.Identifier
		}
		if result.Truncated || !truncated {
			break
		}
		last := docs[len(docs)-1]
		q.AfterCrawlID = last.CrawlID
		q.AfterIdentifier = last.Identifier
	}

	if !result.Truncated && storeHasMore {
		// The page budget ran out with rows still unscanned. Report a
		// partial result and resume from the last primary row, not the
		// last emitted document, so no row is skipped or re-scanned.
		result.Truncated = true
		result.NextCrawlID = q.AfterCrawlID
		result.NextIdentifier = q.AfterIdentifier
	}
	if result.Truncated {
		metrics.ObserveQueryTruncation()
		p.logger.Debug("query truncated", zap.Int("cap", pl.cap))
	} else {
		result.NextCrawlID = ""
		result.NextIdentifier = ""
	}
	return result, nil
}

// lastCrawlIDs resolves each feed's most recent completed crawl by walking
// recent crawl history newest first.
func (p *Planner) lastCrawlIDs(ctx context.Context) ([]string, error) {
	crawls, err := p.crawls.ListCrawls(ctx, p.cfg.RecentCrawlWindow, 0)
	if err != nil {
		return nil, fmt.Errorf("list recent crawls: %w", err)
	}
	claimed := make(map[string]struct{})
	var ids []string
	for _, crawl := range crawls {
		if crawl.Status != alert.CrawlCompleted {
			continue
		}
		keep := false
		for _, feedURL := range crawl.FeedURLs {
			if _, ok := claimed[feedURL]; ok {
				continue
			}
			claimed[feedURL] = struct{}{}
			keep = true
		}
		if keep {
			ids = append(ids, crawl.ID)
		}
	}
	return ids, nil
}

func matchesResidual(doc alert.Document, preds []predicate) bool {
	for _, pred := range preds {
		if !pred(doc) {
			return false
		}
	}
	return true
}

func attrMembership(name string, values []string) predicate {
	accepted := make(map[string]struct{}, len(values))
	for _, v := range values {
		accepted[v] = struct{}{}
	}
	return func(doc alert.Document) bool {
		for _, have := range doc.Attributes.Get(name) {
			if _, ok := accepted[have]; ok {
				return true
			}
		}
		return false
	}
}

func bboxContains(box geo.BoundingBox) predicate {
	return func(doc alert.Document) bool {
		for _, raw := range doc.Attributes.Get(alert.AttrAreaPoint) {
			lat, lon, err := geo.ParsePoint(raw)
			if err != nil {
				continue
			}
			if box.Contains(lat, lon) {
				return true
			}
		}
		return false
	}
}
