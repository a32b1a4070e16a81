package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

func TestFeedUpsertAndList(t *testing.T) {
	t.Parallel()

	s := NewFeedStore()
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertFeed(ctx, alert.Feed{
		URL:       "https://b.example.com/cap",
		Enabled:   true,
		Period:    15 * time.Minute,
		CreatedAt: created,
	}))
	require.NoError(t, s.UpsertFeed(ctx, alert.Feed{
		URL:     "https://a.example.com/cap",
		Enabled: false,
		Period:  30 * time.Minute,
	}))

	feeds, err := s.ListFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, "https://a.example.com/cap", feeds[0].URL)
	assert.Equal(t, "https://b.example.com/cap", feeds[1].URL)

	enabled, err := s.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "https://b.example.com/cap", enabled[0].URL)

	// Re-upserting without a timestamp keeps the original CreatedAt.
	require.NoError(t, s.UpsertFeed(ctx, alert.Feed{
		URL:     "https://b.example.com/cap",
		Enabled: false,
		Period:  time.Hour,
	}))
	feeds, err = s.ListFeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, feeds[1].CreatedAt)
	assert.Equal(t, time.Hour, feeds[1].Period)
	assert.False(t, feeds[1].Enabled)
}

func TestFeedDelete(t *testing.T) {
	t.Parallel()

	s := NewFeedStore()
	ctx := context.Background()

	require.ErrorIs(t, s.DeleteFeed(ctx, "https://missing.example.com/cap"), store.ErrNotFound)

	require.NoError(t, s.UpsertFeed(ctx, alert.Feed{URL: "https://a.example.com/cap", Enabled: true}))
	require.NoError(t, s.DeleteFeed(ctx, "https://a.example.com/cap"))

	feeds, err := s.ListFeeds(ctx)
	require.NoError(t, err)
	assert.Empty(t, feeds)
}
