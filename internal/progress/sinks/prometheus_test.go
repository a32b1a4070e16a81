package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hazardops/alertmirror/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{CrawlID: "crawl-1", TS: now, Stage: progress.StageCrawlStart},
		{
			CrawlID:     "crawl-1",
			ShardID:     "shard-1",
			TS:          now.Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			FeedURL:     "https://feeds.example.com/cap",
			URL:         "https://feeds.example.com/cap/1.xml",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{CrawlID: "crawl-1", ShardID: "shard-1", TS: now.Add(11 * time.Second), Stage: progress.StageDocUpsert},
		{CrawlID: "crawl-1", ShardID: "shard-1", TS: now.Add(12 * time.Second), Stage: progress.StageShardDone},
		{CrawlID: "crawl-1", TS: now.Add(15 * time.Second), Stage: progress.StageCrawlDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.shardsCompleted.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.documentsUpserted))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("feeds.example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("feeds.example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "alertmirror_fetch_duration_seconds"))
}

// TestPrometheusSinkCrawlError records the failed result path.
func TestPrometheusSinkCrawlError(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{CrawlID: "crawl-2", TS: now, Stage: progress.StageCrawlStart},
		{CrawlID: "crawl-2", ShardID: "shard-1", TS: now.Add(time.Second), Stage: progress.StageShardError, Note: "fetch failed"},
		{CrawlID: "crawl-2", TS: now.Add(2 * time.Second), Stage: progress.StageCrawlError, Dur: 2 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.shardsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
}

// TestPrometheusSinkRunningGaugeDedupes keeps the gauge accurate when crawl
// start events repeat after a sink restart or replay.
func TestPrometheusSinkRunningGaugeDedupes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{CrawlID: "crawl-3", TS: now, Stage: progress.StageCrawlStart},
		{CrawlID: "crawl-3", TS: now, Stage: progress.StageCrawlStart},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: "crawl-3", TS: now.Add(time.Second), Stage: progress.StageCrawlDone, Dur: time.Second},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
}
