package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// CrawlStore implements store.CrawlRepository with mutex-guarded maps. The
// seen-URL set insert happens under the same lock, which gives the same
// at-most-once admission guarantee the Postgres unique key provides.
type CrawlStore struct {
	mu     sync.Mutex
	crawls map[string]alert.Crawl
	shards map[string]alert.CrawlShard
	seen   map[string]struct{}
}

// NewCrawlStore constructs an empty CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		crawls: make(map[string]alert.Crawl),
		shards: make(map[string]alert.CrawlShard),
		seen:   make(map[string]struct{}),
	}
}

// ActiveCrawl returns the running crawl, or store.ErrNotFound.
func (s *CrawlStore) ActiveCrawl(_ context.Context) (alert.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.crawls {
		if c.Status == alert.CrawlRunning {
			return cloneCrawl(c), nil
		}
	}
	return alert.Crawl{}, store.ErrNotFound
}

// CreateCrawl persists a new crawl and its shards, refusing a second
// concurrent running crawl.
func (s *CrawlStore) CreateCrawl(_ context.Context, crawl alert.Crawl, shards []alert.CrawlShard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.crawls {
		if c.Status == alert.CrawlRunning {
			return errors.New("a crawl is already running")
		}
	}
	if _, ok := s.crawls[crawl.ID]; ok {
		return errors.New("crawl already exists")
	}
	s.crawls[crawl.ID] = cloneCrawl(crawl)
	for _, sh := range shards {
		s.shards[sh.ID] = sh
	}
	return nil
}

// FinishCrawl marks a crawl terminal. Finished crawls are immutable.
func (s *CrawlStore) FinishCrawl(_ context.Context, crawlID string, status alert.CrawlStatus, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[crawlID]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != alert.CrawlRunning {
		return errors.New("crawl already finished")
	}
	c.Status = status
	ts := finishedAt
	c.FinishedAt = &ts
	s.crawls[crawlID] = c
	return nil
}

// GetCrawl loads one crawl.
func (s *CrawlStore) GetCrawl(_ context.Context, crawlID string) (alert.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[crawlID]
	if !ok {
		return alert.Crawl{}, store.ErrNotFound
	}
	return cloneCrawl(c), nil
}

// ListCrawls returns crawls newest first.
func (s *CrawlStore) ListCrawls(_ context.Context, limit, offset int) ([]alert.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]alert.Crawl, 0, len(s.crawls))
	for _, c := range s.crawls {
		all = append(all, cloneCrawl(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// LastCompletedCrawl returns the newest completed crawl covering the feed.
func (s *CrawlStore) LastCompletedCrawl(_ context.Context, feedURL string) (alert.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best alert.Crawl
	var found bool
	for _, c := range s.crawls {
		if c.Status != alert.CrawlCompleted {
			continue
		}
		if !containsString(c.FeedURLs, feedURL) {
			continue
		}
		if !found || c.StartedAt.After(best.StartedAt) {
			best = c
			found = true
		}
	}
	if !found {
		return alert.Crawl{}, store.ErrNotFound
	}
	return cloneCrawl(best), nil
}

// ListShards returns every shard owned by a crawl, ordered by feed URL.
func (s *CrawlStore) ListShards(_ context.Context, crawlID string) ([]alert.CrawlShard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alert.CrawlShard
	for _, sh := range s.shards {
		if sh.CrawlID == crawlID {
			out = append(out, sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedURL < out[j].FeedURL })
	return out, nil
}

// MarkShardStarted flips a pending shard to in_progress.
func (s *CrawlStore) MarkShardStarted(_ context.Context, shardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[shardID]
	if !ok {
		return store.ErrNotFound
	}
	if sh.Status == alert.ShardPending {
		sh.Status = alert.ShardInProgress
		ts := at
		sh.StartedAt = &ts
		s.shards[shardID] = sh
	}
	return nil
}

// CompleteShard records a terminal status. A done shard may still be flipped
// to error by a late child failure (last-writer-wins); an error is sticky.
func (s *CrawlStore) CompleteShard(_ context.Context, shardID string, status alert.ShardStatus, errDetail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[shardID]
	if !ok {
		return store.ErrNotFound
	}
	if sh.Status == alert.ShardError && status == alert.ShardDone {
		return nil
	}
	sh.Status = status
	sh.ErrorDetail = errDetail
	ts := at
	sh.FinishedAt = &ts
	s.shards[shardID] = sh
	return nil
}

// AdmitURL performs the atomic seen-set insert.
func (s *CrawlStore) AdmitURL(_ context.Context, crawlID, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := crawlID + "\x00" + url
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// PurgeBefore drops crawls (plus shards and seen URLs) started before cutoff.
func (s *CrawlStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, c := range s.crawls {
		if !c.StartedAt.Before(cutoff) {
			continue
		}
		delete(s.crawls, id)
		removed++
		for shardID, sh := range s.shards {
			if sh.CrawlID == id {
				delete(s.shards, shardID)
			}
		}
		prefix := id + "\x00"
		for key := range s.seen {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				delete(s.seen, key)
			}
		}
	}
	return removed, nil
}

func cloneCrawl(c alert.Crawl) alert.Crawl {
	cp := c
	cp.FeedURLs = append([]string(nil), c.FeedURLs...)
	if c.FinishedAt != nil {
		ts := *c.FinishedAt
		cp.FinishedAt = &ts
	}
	return cp
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
