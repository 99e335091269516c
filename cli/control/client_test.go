package control

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssmcp/app"
	"rssmcp/domain"
	ctrl "rssmcp/internal/control"
	"rssmcp/internal/tools"
)

type staticFetcher map[string]domain.ParsedFeed

func (f staticFetcher) Fetch(_ context.Context, url string) (domain.ParsedFeed, error) {
	pf, ok := f[url]
	if !ok {
		return domain.ParsedFeed{}, errors.New("no such host")
	}
	return pf, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg := app.NewRegistry(staticFetcher{
		"https://example.com/tech.xml": {Title: "Tech", Items: make([]domain.FeedItem, 4)},
	})
	t.Cleanup(func() { _ = reg.Close() })
	_, err := reg.AddOrUpdate(domain.FeedConfig{Name: "tech", URL: "https://example.com/tech.xml", RefreshInterval: time.Minute, MaxItems: 10})
	require.NoError(t, err)

	srv := httptest.NewServer(ctrl.NewServer(reg, tools.New(reg), prometheus.NewRegistry(), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"))
}

func TestClientListFeeds(t *testing.T) {
	feeds, err := newTestClient(t).ListFeeds(context.Background())
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "tech", feeds[0].Name)
	assert.Equal(t, int64(60000), feeds[0].RefreshIntervalMS)
}

func TestClientRefresh(t *testing.T) {
	c := newTestClient(t)
	res, err := c.Refresh(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, 4, res.ItemCount)

	_, err = c.Refresh(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "feed not found: ghost")
}

func TestClientAddItemsRemove(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	st, err := c.AddFeed(ctx, AddFeedRequest{Name: "dev/go", URL: "https://example.com/tech.xml", MaxItems: 3})
	require.NoError(t, err)
	assert.Equal(t, "dev/go", st.Name)
	assert.Equal(t, 3, st.MaxItems)

	_, err = c.Refresh(ctx, "dev/go")
	require.NoError(t, err)
	snap, err := c.Items(ctx, "dev/go", 2)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 2)
	snap, err = c.Items(ctx, "dev/go", 0)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 3)

	require.NoError(t, c.RemoveFeed(ctx, "dev/go"))
	err = c.RemoveFeed(ctx, "dev/go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClientAddFeedRejected(t *testing.T) {
	_, err := newTestClient(t).AddFeed(context.Background(), AddFeedRequest{Name: "bad", URL: "not a url"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid feed config")
}

func TestClientUnreachable(t *testing.T) {
	_, err := NewClient("127.0.0.1:1").ListFeeds(context.Background())
	assert.Error(t, err)
}
