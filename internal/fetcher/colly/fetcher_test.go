package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardops/alertmirror/internal/alert"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hazard-agent", r.UserAgent())
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<alert/>`))
	}))
	t.Cleanup(server.Close)

	f := New(Config{UserAgent: "hazard-agent", Timeout: 5 * time.Second}, nil)
	resp, err := f.Fetch(context.Background(), alert.FetchRequest{CrawlID: "crawl-1", URL: server.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte(`<alert/>`), resp.Body)
	assert.NotZero(t, resp.Duration)
}

func TestFetchNon2xxReturnsFetchError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(context.Background(), alert.FetchRequest{URL: server.URL})
	require.Error(t, err)

	var fetchErr *alert.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
}

func TestFetchOversizedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 512))
	}))
	t.Cleanup(server.Close)

	f := New(Config{Timeout: 5 * time.Second, MaxBodyBytes: 128}, nil)
	_, err := f.Fetch(context.Background(), alert.FetchRequest{URL: server.URL})

	var fetchErr *alert.FetchError
	require.ErrorAs(t, err, &fetchErr)
}

func TestFetchContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second}, nil)
	_, err := f.Fetch(ctx, alert.FetchRequest{URL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch canceled")
}

type failingWaiter struct{}

func (failingWaiter) Wait(context.Context, string) error {
	return errors.New("bucket empty")
}

func TestFetchWaiterBlocksRequest(t *testing.T) {
	t.Parallel()

	var served bool
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		served = true
	}))
	t.Cleanup(server.Close)

	f := New(Config{}, failingWaiter{})
	_, err := f.Fetch(context.Background(), alert.FetchRequest{URL: server.URL})
	require.EqualError(t, err, "bucket empty")
	assert.False(t, served)
}
