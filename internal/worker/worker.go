// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/progress"
	"github.com/hazardops/alertmirror/internal/store"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
	MaxDepth    int
}

const defaultMaxDepth = 3

// Worker consumes fetch tasks and executes the fetch pipeline: fetch, archive,
// parse, then either persist an alert document or fan out index entries.
type Worker struct {
	queue     alert.Queue
	crawls    store.CrawlRepository
	alerts    store.AlertRepository
	blobStore alert.BlobStore
	publisher alert.Publisher
	hasher    alert.Hasher
	clock     alert.Clock
	fetcher   alert.Fetcher
	parser    alert.Parser
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue alert.Queue,
	crawls store.CrawlRepository,
	alerts store.AlertRepository,
	blobStore alert.BlobStore,
	publisher alert.Publisher,
	hasher alert.Hasher,
	clock alert.Clock,
	fetcher alert.Fetcher,
	parser alert.Parser,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/xml; charset=utf-8"
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	return &Worker{
		queue:     queue,
		crawls:    crawls,
		alerts:    alerts,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		fetcher:   fetcher,
		parser:    parser,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming fetch tasks until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, alert.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("crawl_id", task.CrawlID),
			zap.String("url", task.URL),
			zap.Int("depth", task.Depth),
		)
		w.Process(ctx, task)
	}
}

// Process executes one fetch task. Pipeline errors are recorded against the
// owning shard and never propagate; a dead task must not take the worker
// down with it.
func (w *Worker) Process(ctx context.Context, task alert.FetchTask) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if task.Depth == 0 {
		w.startShard(ctx, task)
	}

	resp, err := w.fetchURL(ctx, task)
	if err != nil {
		metrics.ObserveFetch(task.URL, "error", 0)
		var fetchErr *alert.FetchError
		if !errors.As(err, &fetchErr) {
			fetchErr = &alert.FetchError{URL: task.URL, Err: err}
		}
		w.failShard(ctx, task, fetchErr.Error())
		return
	}

	blobURI, rawHash := w.archiveBody(ctx, task, resp)

	parsed, err := w.parser.Parse(resp.Body)
	if err != nil {
		var parseErr *alert.ParseError
		if !errors.As(err, &parseErr) {
			parseErr = &alert.ParseError{URL: task.URL, Err: err}
		}
		w.failShard(ctx, task, parseErr.Error())
		return
	}

	switch parsed.Kind {
	case alert.ParsedAlert:
		if err := w.persistAlert(ctx, task, resp, parsed.Alert, rawHash, blobURI); err != nil {
			w.failShard(ctx, task, fmt.Sprintf("persist %s: %v", task.URL, err))
			return
		}
	case alert.ParsedIndex:
		if err := w.scheduleChildren(ctx, task, parsed.Index); err != nil {
			w.failShard(ctx, task, fmt.Sprintf("schedule children of %s: %v", task.URL, err))
			return
		}
	}

	// The top-level task owns shard accounting: the shard is done once its
	// root document is handled and any children are on the queue. A child
	// that later fails flips the shard to error.
	if task.Depth == 0 {
		w.finishShard(ctx, task)
	}
}

func (w *Worker) startShard(ctx context.Context, task alert.FetchTask) {
	now := w.clock.Now()
	if err := w.crawls.MarkShardStarted(ctx, task.ShardID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Error("mark shard started failed",
			zap.String("shard_id", task.ShardID), zap.Error(err))
	}
	w.emit(progress.Event{
		CrawlID: task.CrawlID,
		ShardID: task.ShardID,
		TS:      now,
		Stage:   progress.StageShardStart,
		FeedURL: task.FeedURL,
	})
}

func (w *Worker) fetchURL(ctx context.Context, task alert.FetchTask) (alert.FetchResponse, error) {
	w.emit(progress.Event{
		CrawlID: task.CrawlID,
		ShardID: task.ShardID,
		TS:      w.clock.Now(),
		Stage:   progress.StageFetchStart,
		FeedURL: task.FeedURL,
		URL:     task.URL,
	})

	resp, err := w.fetcher.Fetch(ctx, alert.FetchRequest{
		CrawlID: task.CrawlID,
		URL:     task.URL,
		Depth:   task.Depth,
	})
	if err != nil {
		return alert.FetchResponse{}, err
	}

	metrics.ObserveFetch(task.URL, "ok", len(resp.Body))
	w.emit(progress.Event{
		CrawlID:     task.CrawlID,
		ShardID:     task.ShardID,
		TS:          w.clock.Now(),
		Stage:       progress.StageFetchDone,
		FeedURL:     task.FeedURL,
		URL:         task.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	return resp, nil
}

// archiveBody stores the raw payload and returns its URI and content hash.
// Archive failures are logged but never fail the task; the parsed document
// is worth more than its raw copy.
func (w *Worker) archiveBody(ctx context.Context, task alert.FetchTask, resp alert.FetchResponse) (string, string) {
	rawHash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("hash body failed", zap.String("url", task.URL), zap.Error(err))
		return "", ""
	}
	if w.blobStore == nil {
		return "", rawHash
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(task.CrawlID, rawHash), w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		w.logger.Warn("archive body failed", zap.String("url", task.URL), zap.Error(err))
		return "", rawHash
	}
	return uri, rawHash
}

func (w *Worker) buildBlobPath(crawlID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.xml", crawlID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.xml", prefix, crawlID, hash)
}

func (w *Worker) persistAlert(
	ctx context.Context,
	task alert.FetchTask,
	resp alert.FetchResponse,
	payload *alert.AlertPayload,
	rawHash string,
	blobURI string,
) error {
	sourceURL := resp.URL
	if sourceURL == "" {
		sourceURL = task.URL
	}
	// Keyed by (source URL, identifier) so a re-crawl of the same alert
	// replaces it wholesale.
	id, err := w.hasher.Hash([]byte(sourceURL + "\x00" + payload.Identifier))
	if err != nil {
		return fmt.Errorf("derive document id: %w", err)
	}

	doc := alert.Document{
		ID:         id,
		Identifier: payload.Identifier,
		SourceURL:  sourceURL,
		FeedURL:    task.FeedURL,
		CrawlID:    task.CrawlID,
		Sent:       payload.Sent,
		Expires:    payload.Expires,
		Attributes: payload.Attributes,
		RawHash:    rawHash,
		BlobURI:    blobURI,
		FetchedAt:  w.clock.Now(),
	}
	if err := w.alerts.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	w.emit(progress.Event{
		CrawlID: task.CrawlID,
		ShardID: task.ShardID,
		TS:      doc.FetchedAt,
		Stage:   progress.StageDocUpsert,
		FeedURL: task.FeedURL,
		URL:     sourceURL,
	})

	return w.publishDocument(ctx, doc)
}

func (w *Worker) publishDocument(ctx context.Context, doc alert.Document) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"document_id": doc.ID,
		"identifier":  doc.Identifier,
		"crawl_id":    doc.CrawlID,
		"source_url":  doc.SourceURL,
		"blob_uri":    doc.BlobURI,
		"raw_hash":    doc.RawHash,
		"sent":        doc.Sent.Format(time.RFC3339),
		"fetched_at":  doc.FetchedAt.Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	w.logger.Info("document published",
		zap.String("document_id", doc.ID),
		zap.String("identifier", doc.Identifier),
		zap.String("crawl_id", doc.CrawlID),
	)
	return nil
}

// scheduleChildren admits each index entry through the per-crawl seen ledger
// and enqueues the winners as children of the same shard.
func (w *Worker) scheduleChildren(ctx context.Context, task alert.FetchTask, index *alert.IndexPayload) error {
	if task.Depth+1 > w.cfg.MaxDepth {
		w.logger.Warn("index beyond max depth, children skipped",
			zap.String("url", task.URL), zap.Int("depth", task.Depth))
		return nil
	}
	for _, entry := range index.Entries {
		child, err := resolveURL(task.URL, entry)
		if err != nil {
			w.logger.Warn("skipping malformed index entry",
				zap.String("entry", entry), zap.Error(err))
			continue
		}
		admitted, err := w.crawls.AdmitURL(ctx, task.CrawlID, child)
		if err != nil {
			return fmt.Errorf("admit %s: %w", child, err)
		}
		if !admitted {
			metrics.ObserveDedupRejection()
			continue
		}
		childTask := alert.FetchTask{
			CrawlID:    task.CrawlID,
			ShardID:    task.ShardID,
			FeedURL:    task.FeedURL,
			URL:        child,
			Depth:      task.Depth + 1,
			EnqueuedAt: w.clock.Now().Unix(),
		}
		if err := w.queue.Enqueue(ctx, childTask); err != nil {
			return fmt.Errorf("enqueue %s: %w", child, err)
		}
	}
	return nil
}

func (w *Worker) finishShard(ctx context.Context, task alert.FetchTask) {
	now := w.clock.Now()
	if err := w.crawls.CompleteShard(ctx, task.ShardID, alert.ShardDone, "", now); err != nil {
		w.logger.Error("complete shard failed",
			zap.String("shard_id", task.ShardID), zap.Error(err))
		return
	}
	metrics.ObserveShard(string(alert.ShardDone))
	w.emit(progress.Event{
		CrawlID: task.CrawlID,
		ShardID: task.ShardID,
		TS:      now,
		Stage:   progress.StageShardDone,
		FeedURL: task.FeedURL,
	})
}

// failShard records the error against the owning shard regardless of depth:
// a failed child retroactively fails a shard already marked done.
func (w *Worker) failShard(ctx context.Context, task alert.FetchTask, detail string) {
	now := w.clock.Now()
	w.logger.Error("task failed",
		zap.String("crawl_id", task.CrawlID),
		zap.String("shard_id", task.ShardID),
		zap.String("url", task.URL),
		zap.String("detail", detail),
	)
	if err := w.crawls.CompleteShard(ctx, task.ShardID, alert.ShardError, detail, now); err != nil {
		w.logger.Error("record shard error failed",
			zap.String("shard_id", task.ShardID), zap.Error(err))
	}
	metrics.ObserveShard(string(alert.ShardError))
	w.emit(progress.Event{
		CrawlID: task.CrawlID,
		ShardID: task.ShardID,
		TS:      now,
		Stage:   progress.StageShardError,
		FeedURL: task.FeedURL,
		URL:     task.URL,
		Note:    detail,
	})
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(evt)
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse entry url: %w", err)
	}
	resolved := b.ResolveReference(r)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}
