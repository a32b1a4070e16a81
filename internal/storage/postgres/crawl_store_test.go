package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

func TestActiveCrawlScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM crawls WHERE status").
		WithArgs(string(alert.CrawlRunning)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "finished_at", "feed_urls"}).
			AddRow("crawl-1", string(alert.CrawlRunning), started, (*time.Time)(nil), []string{"https://a.example.com/cap"}))

	crawl, err := NewCrawlStore(mock).ActiveCrawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crawl-1", crawl.ID)
	assert.Equal(t, alert.CrawlRunning, crawl.Status)
	assert.Nil(t, crawl.FinishedAt)
	assert.Equal(t, []string{"https://a.example.com/cap"}, crawl.FeedURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveCrawlNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM crawls WHERE status").
		WithArgs(string(alert.CrawlRunning)).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewCrawlStore(mock).ActiveCrawl(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCrawlInsertsShards(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Unix(1700000000, 0).UTC()
	crawl := alert.Crawl{
		ID:        "crawl-1",
		Status:    alert.CrawlRunning,
		StartedAt: started,
		FeedURLs:  []string{"https://a.example.com/cap"},
	}
	shard := alert.CrawlShard{
		ID:      "shard-1",
		CrawlID: "crawl-1",
		FeedURL: "https://a.example.com/cap",
		Status:  alert.ShardPending,
	}

	mock.ExpectExec("INSERT INTO crawls").
		WithArgs(crawl.ID, string(crawl.Status), crawl.StartedAt, crawl.FinishedAt, crawl.FeedURLs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_shards").
		WithArgs(shard.ID, shard.CrawlID, shard.FeedURL, string(shard.Status), shard.StartedAt, shard.FinishedAt, shard.ErrorDetail).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewCrawlStore(mock).CreateCrawl(context.Background(), crawl, []alert.CrawlShard{shard})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishCrawlRequiresRunning(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	finished := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE crawls SET status").
		WithArgs("crawl-1", string(alert.CrawlCompleted), finished, string(alert.CrawlRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewCrawlStore(mock).FinishCrawl(context.Background(), "crawl-1", alert.CrawlCompleted, finished)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkShardStartedGuardsPending(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE crawl_shards SET status").
		WithArgs("shard-1", string(alert.ShardInProgress), at, string(alert.ShardPending)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewCrawlStore(mock).MarkShardStarted(context.Background(), "shard-1", at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteShardStickyError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Unix(1700000000, 0).UTC()

	// The guarded update skips an already-failed shard; the follow-up
	// existence probe turns that into a silent no-op.
	mock.ExpectExec("UPDATE crawl_shards SET status").
		WithArgs("shard-1", string(alert.ShardDone), at, "", string(alert.ShardError), string(alert.ShardDone)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM crawl_shards").
		WithArgs("shard-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err = NewCrawlStore(mock).CompleteShard(context.Background(), "shard-1", alert.ShardDone, "", at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteShardUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE crawl_shards SET status").
		WithArgs("ghost", string(alert.ShardDone), at, "", string(alert.ShardError), string(alert.ShardDone)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM crawl_shards").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err = NewCrawlStore(mock).CompleteShard(context.Background(), "ghost", alert.ShardDone, "", at)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmitURLReportsFirstInsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO seen_urls").
		WithArgs("crawl-1", "https://a.example.com/cap/1.xml").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO seen_urls").
		WithArgs("crawl-1", "https://a.example.com/cap/1.xml").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	s := NewCrawlStore(mock)
	ok, err := s.AdmitURL(context.Background(), "crawl-1", "https://a.example.com/cap/1.xml")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdmitURL(context.Background(), "crawl-1", "https://a.example.com/cap/1.xml")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlPurgeBeforeCascades(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM seen_urls").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec("DELETE FROM crawls").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	removed, err := NewCrawlStore(mock).PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
