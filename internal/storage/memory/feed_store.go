// Package memory provides in-memory store implementations for development
// and tests. All coordination uses per-store mutexes; semantics mirror the
// Postgres implementations.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// FeedStore implements store.FeedRepository.
type FeedStore struct {
	mu    sync.RWMutex
	feeds map[string]alert.Feed
}

// NewFeedStore constructs an empty FeedStore.
func NewFeedStore() *FeedStore {
	return &FeedStore{feeds: make(map[string]alert.Feed)}
}

// ListFeeds returns every feed ordered by URL.
func (s *FeedStore) ListFeeds(_ context.Context) ([]alert.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(alert.Feed) bool { return true }), nil
}

// ListEnabled returns enabled feeds ordered by URL.
func (s *FeedStore) ListEnabled(_ context.Context) ([]alert.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(f alert.Feed) bool { return f.Enabled }), nil
}

// UpsertFeed inserts or replaces a feed keyed by URL.
func (s *FeedStore) UpsertFeed(_ context.Context, feed alert.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.feeds[feed.URL]; ok && feed.CreatedAt.IsZero() {
		feed.CreatedAt = existing.CreatedAt
	}
	s.feeds[feed.URL] = feed
	return nil
}

// DeleteFeed removes a feed or returns store.ErrNotFound.
func (s *FeedStore) DeleteFeed(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[url]; !ok {
		return store.ErrNotFound
	}
	delete(s.feeds, url)
	return nil
}

func (s *FeedStore) sorted(keep func(alert.Feed) bool) []alert.Feed {
	out := make([]alert.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
