package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssmcp/domain"
	"rssmcp/internal/metrics"
)

type fakeFetcher struct {
	mu     sync.Mutex
	feeds  map[string]domain.ParsedFeed
	errs   map[string]error
	gates  map[string]chan struct{}
	calls  map[string]int
	starts map[string][]time.Time
	delay  time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		feeds:  map[string]domain.ParsedFeed{},
		errs:   map[string]error{},
		gates:  map[string]chan struct{}{},
		calls:  map[string]int{},
		starts: map[string][]time.Time{},
	}
}

func (f *fakeFetcher) set(url string, feed domain.ParsedFeed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = feed
	delete(f.errs, url)
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

// block makes fetches of url wait until the returned func is called.
func (f *fakeFetcher) block(url string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[url] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) startTimes(url string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts[url]...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (domain.ParsedFeed, error) {
	f.mu.Lock()
	f.calls[url]++
	f.starts[url] = append(f.starts[url], time.Now())
	gate, delay := f.gates[url], f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.ParsedFeed{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return domain.ParsedFeed{}, err
	}
	feed, ok := f.feeds[url]
	if !ok {
		return domain.ParsedFeed{}, fmt.Errorf("no such source %s", url)
	}
	return feed, nil
}

func items(titles ...string) []domain.FeedItem {
	out := make([]domain.FeedItem, 0, len(titles))
	for i, t := range titles {
		out = append(out, domain.FeedItem{Title: t, GUID: fmt.Sprintf("g%d", i)})
	}
	return out
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, f domain.FeedFetcher, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	r := NewRegistry(f, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRefreshTruncatesToMaxItems(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Title: "X", Items: items("one", "two", "three")})
	r := newTestRegistry(t, f)

	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", MaxItems: 1, RefreshInterval: time.Hour})
	require.NoError(t, err)

	snap, err := r.Refresh(context.Background(), "n1")
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "one", snap.Items[0].Title)
	assert.Equal(t, "X", snap.Title)
	assert.Equal(t, "https://x/rss", snap.SourceURL)
	assert.Equal(t, fixedNow, snap.LastUpdated)

	cached, ok := r.Snapshot("n1")
	require.True(t, ok)
	assert.Equal(t, snap.Items, cached.Items)
}

func TestAddOrUpdateAppliesDefaults(t *testing.T) {
	f := newFakeFetcher()
	r := newTestRegistry(t, f, WithDefaults(3*time.Minute, 7))

	cfg, err := r.AddOrUpdate(domain.FeedConfig{Name: " n1 ", URL: "https://x/rss"})
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.Name)
	assert.Equal(t, 3*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 7, cfg.MaxItems)

	got, ok := r.Config("n1")
	require.True(t, ok)
	assert.Equal(t, cfg, got)
}

func TestAddOrUpdateRejectsInvalidConfig(t *testing.T) {
	r := newTestRegistry(t, newFakeFetcher())
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "", URL: "https://x/rss"})
	assert.ErrorIs(t, err, domain.ErrInvalidFeed)
	_, err = r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "file:///etc/passwd"})
	assert.ErrorIs(t, err, domain.ErrInvalidFeed)
	assert.Empty(t, r.Configs())
}

func TestSnapshotLifecycle(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	r := newTestRegistry(t, f)

	_, ok := r.Snapshot("n1")
	assert.False(t, ok)

	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)
	snap, err := r.Refresh(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", snap.Title, "title falls back to the feed name")

	_, ok = r.Snapshot("n1")
	assert.True(t, ok)

	assert.True(t, r.Remove("n1"))
	_, ok = r.Snapshot("n1")
	assert.False(t, ok)
	_, ok = r.Config("n1")
	assert.False(t, ok)
}

func TestRefreshUnknownFeed(t *testing.T) {
	r := newTestRegistry(t, newFakeFetcher())
	_, err := r.Refresh(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrFeedNotFound)
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a", "b")})
	r := newTestRegistry(t, f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)
	before, err := r.Refresh(context.Background(), "n1")
	require.NoError(t, err)

	upstream := errors.New("connection reset")
	f.fail("https://x/rss", upstream)
	_, err = r.Refresh(context.Background(), "n1")
	assert.ErrorIs(t, err, domain.ErrFeedFetch)
	assert.ErrorIs(t, err, upstream)

	after, ok := r.Snapshot("n1")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestSearchIsCaseInsensitiveAndOrdered(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://a/rss", domain.ParsedFeed{Items: []domain.FeedItem{
		{Title: "Tech news"},
		{Title: "Sports", Content: "<p>nothing</p>"},
		{Title: "Other", Snippet: "biotech startup"},
	}})
	f.set("https://b/rss", domain.ParsedFeed{Items: []domain.FeedItem{
		{Title: "Weather", Content: "TECHNICAL difficulties"},
	}})
	r := newTestRegistry(t, f)
	for _, cfg := range []domain.FeedConfig{
		{Name: "b", URL: "https://b/rss", RefreshInterval: time.Hour},
		{Name: "a", URL: "https://a/rss", RefreshInterval: time.Hour},
	} {
		_, err := r.AddOrUpdate(cfg)
		require.NoError(t, err)
		_, err = r.Refresh(context.Background(), cfg.Name)
		require.NoError(t, err)
	}

	upper := r.Search("TECH")
	lower := r.Search("tech")
	assert.Equal(t, upper, lower)
	require.Len(t, lower, 3)
	assert.Equal(t, "b", lower[0].Feed, "feeds are scanned in registration order")
	assert.Equal(t, "Tech news", lower[1].Item.Title)
	assert.Equal(t, "Other", lower[2].Item.Title)
	assert.Empty(t, r.Search("golang"))
}

func TestRemoveMissingOnlyWarns(t *testing.T) {
	var buf syncBuffer
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	r := newTestRegistry(t, f, WithLogger(zerolog.New(&buf)))
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)
	before := r.Configs()

	assert.False(t, r.Remove("missing"))
	assert.Contains(t, string(buf.Bytes()), `"level":"warn"`)
	assert.Contains(t, string(buf.Bytes()), `"feed":"missing"`)
	assert.Equal(t, before, r.Configs())
}

func TestAddOrUpdateTwiceKeepsOneTask(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://a/rss", domain.ParsedFeed{Items: items("from-a")})
	f.set("https://b/rss", domain.ParsedFeed{Items: items("from-b")})
	releaseA := f.block("https://a/rss")
	defer releaseA()
	r := newTestRegistry(t, f)

	cfgA := domain.FeedConfig{Name: "n1", URL: "https://a/rss", RefreshInterval: time.Hour, MaxItems: 5}
	cfgB := domain.FeedConfig{Name: "n1", URL: "https://b/rss", RefreshInterval: time.Hour, MaxItems: 9}
	_, err := r.AddOrUpdate(cfgA)
	require.NoError(t, err)
	_, err = r.AddOrUpdate(cfgB)
	require.NoError(t, err)

	got, ok := r.Config("n1")
	require.True(t, ok)
	assert.Equal(t, cfgB, got)
	assert.Len(t, r.Configs(), 1)

	require.Eventually(t, func() bool {
		snap, ok := r.Snapshot("n1")
		return ok && snap.Items[0].Title == "from-b"
	}, time.Second, 5*time.Millisecond)

	// the stale fetch for cfgA finishes last but must not overwrite cfgB's snapshot
	releaseA()
	require.Eventually(t, func() bool { return r.live.Load() == 1 }, time.Second, 5*time.Millisecond)
	snap, _ := r.Snapshot("n1")
	assert.Equal(t, "from-b", snap.Items[0].Title)
}

func TestTimerRefreshesRepeatedly(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	r := newTestRegistry(t, f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.count("https://x/rss") >= 3 }, time.Second, time.Millisecond)

	r.Remove("n1")
	require.Eventually(t, func() bool { return r.live.Load() == 0 }, time.Second, time.Millisecond)
	n := f.count("https://x/rss")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.count("https://x/rss"), "no ticks after remove")
}

func TestTimerIsFixedDelay(t *testing.T) {
	const (
		fetchTime = 40 * time.Millisecond
		interval  = 20 * time.Millisecond
	)
	f := newFakeFetcher()
	f.delay = fetchTime
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	r := newTestRegistry(t, f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: interval})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.count("https://x/rss") >= 4 }, 2*time.Second, 5*time.Millisecond)
	r.Remove("n1")

	starts := f.startTimes("https://x/rss")
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, fetchTime+interval, "gap %d: the next wait starts after the previous fetch returns", i)
	}
}

func TestTaskGaugeTracksRunningTasks(t *testing.T) {
	promReg := prometheus.NewRegistry()
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	r := newTestRegistry(t, f, WithMetrics(metrics.New(promReg)))

	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)
	_, err = r.AddOrUpdate(domain.FeedConfig{Name: "n2", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)

	const want = `
# HELP rssmcp_refresh_tasks Number of running per-feed refresh tasks.
# TYPE rssmcp_refresh_tasks gauge
rssmcp_refresh_tasks %d
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(promReg, strings.NewReader(fmt.Sprintf(want, 2)), "rssmcp_refresh_tasks") == nil
	}, time.Second, time.Millisecond)

	r.Remove("n1")
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(promReg, strings.NewReader(fmt.Sprintf(want, 1)), "rssmcp_refresh_tasks") == nil
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Close())
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(fmt.Sprintf(want, 0)), "rssmcp_refresh_tasks"))
}

func TestEmptyFeedSnapshotHasEmptyItems(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Title: "Quiet"})
	r := newTestRegistry(t, f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)

	snap, err := r.Refresh(context.Background(), "n1")
	require.NoError(t, err)
	require.NotNil(t, snap.Items)
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items":[]`)
}

func TestTimerFailureIsLoggedNotFatal(t *testing.T) {
	var buf syncBuffer
	f := newFakeFetcher()
	f.fail("https://x/rss", errors.New("503"))
	r := newTestRegistry(t, f, WithLogger(zerolog.New(&buf)))
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bytes.Contains(buf.Bytes(), []byte("refresh failed")) }, time.Second, time.Millisecond)
	_, ok := r.Snapshot("n1")
	assert.False(t, ok)
}

func TestFetchInFlightDuringRemoveIsDiscarded(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	release := f.block("https://x/rss")
	r := newTestRegistry(t, f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count("https://x/rss") == 1 }, time.Second, time.Millisecond)

	r.Remove("n1")
	release()
	require.Eventually(t, func() bool { return r.live.Load() == 0 }, time.Second, time.Millisecond)
	_, ok := r.Snapshot("n1")
	assert.False(t, ok)
	assert.Empty(t, r.Snapshots())
}

func TestCloseStopsTasks(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://x/rss", domain.ParsedFeed{Items: items("a")})
	f.block("https://x/rss")
	r := NewRegistry(f)
	_, err := r.AddOrUpdate(domain.FeedConfig{Name: "n1", URL: "https://x/rss", RefreshInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, int32(0), r.live.Load())
	_, err = r.AddOrUpdate(domain.FeedConfig{Name: "n2", URL: "https://x/rss"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
