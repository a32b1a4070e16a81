package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// AlertStore implements store.AlertRepository in memory. Upserts replace the
// whole record under one lock, matching the single-record atomicity the
// Postgres implementation gets from a row-level upsert.
type AlertStore struct {
	mu   sync.RWMutex
	docs map[string]alert.Document
}

// NewAlertStore constructs an empty AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{docs: make(map[string]alert.Document)}
}

// UpsertDocument atomically replaces the record keyed by doc.ID.
func (s *AlertStore) UpsertDocument(_ context.Context, doc alert.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Attributes = doc.Attributes.Clone()
	s.docs[doc.ID] = doc
	return nil
}

// GetDocument loads one document.
func (s *AlertStore) GetDocument(_ context.Context, id string) (alert.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return alert.Document{}, store.ErrNotFound
	}
	doc.Attributes = doc.Attributes.Clone()
	return doc, nil
}

// SearchDocuments evaluates a primary query with the canonical
// (crawl_id DESC, identifier ASC) ordering and cap-plus-one truncation.
func (s *AlertStore) SearchDocuments(_ context.Context, q store.DocumentQuery) ([]alert.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []alert.Document
	for _, doc := range s.docs {
		if matchesQuery(doc, q) {
			d := doc
			d.Attributes = doc.Attributes.Clone()
			matched = append(matched, d)
		}
	}

	// ID breaks ties between copies of one identifier mirrored from two
	// source URLs in a single crawl; map iteration order must not decide
	// which copy a capped scan sees first.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CrawlID != matched[j].CrawlID {
			return matched[i].CrawlID > matched[j].CrawlID
		}
		if matched[i].Identifier != matched[j].Identifier {
			return matched[i].Identifier < matched[j].Identifier
		}
		return matched[i].ID < matched[j].ID
	})

	if q.AfterCrawlID != "" {
		matched = afterPosition(matched, q.AfterCrawlID, q.AfterIdentifier)
	}

	truncated := false
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		truncated = true
	}
	return matched, truncated, nil
}

// PurgeBefore deletes documents fetched before cutoff.
func (s *AlertStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, doc := range s.docs {
		if doc.FetchedAt.Before(cutoff) {
			delete(s.docs, id)
			removed++
		}
	}
	return removed, nil
}

func matchesQuery(doc alert.Document, q store.DocumentQuery) bool {
	for name, wanted := range q.Attrs {
		if !anyOverlap(doc.Attributes.Get(name), wanted) {
			return false
		}
	}
	if q.SentAfter != nil && !doc.Sent.After(*q.SentAfter) {
		return false
	}
	if q.SentBefore != nil && !doc.Sent.Before(*q.SentBefore) {
		return false
	}
	if len(q.GeohashCells) > 0 && !anyOverlap(doc.Attributes.Get(alert.AttrAreaGeohash), q.GeohashCells) {
		return false
	}
	if len(q.CrawlIDs) > 0 && !containsString(q.CrawlIDs, doc.CrawlID) {
		return false
	}
	return true
}

// afterPosition drops rows at or before the resume key in the canonical
// ordering.
func afterPosition(docs []alert.Document, afterCrawl, afterIdent string) []alert.Document {
	idx := sort.Search(len(docs), func(i int) bool {
		if docs[i].CrawlID != afterCrawl {
			return docs[i].CrawlID < afterCrawl
		}
		return docs[i].Identifier > afterIdent
	})
	return docs[idx:]
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
