// Package tools binds the feed registry to the protocol router as tools and
// resources.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rssmcp/domain"
	"rssmcp/internal/router"
)

var ErrNotFetched = errors.New("feed has not been fetched yet")

// Feeds is the registry surface the handlers need.
type Feeds interface {
	AddOrUpdate(cfg domain.FeedConfig) (domain.FeedConfig, error)
	Remove(name string) bool
	Refresh(ctx context.Context, name string) (domain.FeedSnapshot, error)
	Snapshot(name string) (domain.FeedSnapshot, bool)
	Snapshots() []domain.FeedSnapshot
	Config(name string) (domain.FeedConfig, bool)
	Configs() []domain.FeedConfig
	Search(query string) []domain.SearchHit
}

type Handlers struct {
	feeds  Feeds
	store  domain.FeedStore
	logger zerolog.Logger
}

type Option func(*Handlers)

// WithStore persists feed registrations made through add_feed and remove_feed.
func WithStore(s domain.FeedStore) Option { return func(h *Handlers) { h.store = s } }

func WithLogger(l zerolog.Logger) Option { return func(h *Handlers) { h.logger = l } }

func New(feeds Feeds, opts ...Option) *Handlers {
	h := &Handlers{feeds: feeds, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs every tool and resource on rt.
func (h *Handlers) Register(rt *router.Router) error {
	tools := []struct {
		name, desc string
		schema     map[string]any
		fn         router.Handler
	}{
		{"add_feed", "Register a feed, or replace the config of an existing one, and start refreshing it.", addFeedSchema, h.addFeed},
		{"remove_feed", "Stop refreshing a feed and drop its cached items.", nameSchema, h.removeFeed},
		{"list_feeds", "List registered feeds with their refresh settings and cache state.", emptySchema, h.listFeeds},
		{"get_feed_items", "Return the cached items of one feed.", getItemsSchema, h.getFeedItems},
		{"refresh_feed", "Fetch a feed now and replace its cached items.", nameSchema, h.refreshFeed},
		{"search_feeds", "Case-insensitive substring search over cached item titles and content.", searchSchema, h.searchFeeds},
	}
	for _, t := range tools {
		if err := rt.RegisterTool(t.name, t.desc, t.schema, t.fn); err != nil {
			return err
		}
	}
	if err := rt.RegisterResource("feeds", "Every cached feed snapshot.", emptySchema, h.feedsResource); err != nil {
		return err
	}
	return rt.RegisterResource("feed", "The cached snapshot of one feed.", nameSchema, h.feedResource)
}

// FeedView is the wire form of a registration.
type FeedView struct {
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	RefreshIntervalMS int64      `json:"refresh_interval_ms"`
	MaxItems          int        `json:"max_items"`
	ItemCount         int        `json:"item_count"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

func (h *Handlers) view(cfg domain.FeedConfig) FeedView {
	v := FeedView{
		Name:              cfg.Name,
		URL:               cfg.URL,
		RefreshIntervalMS: cfg.RefreshInterval.Milliseconds(),
		MaxItems:          cfg.MaxItems,
	}
	if snap, ok := h.feeds.Snapshot(cfg.Name); ok {
		v.ItemCount = len(snap.Items)
		updated := snap.LastUpdated
		v.LastUpdated = &updated
	}
	return v
}

type addFeedParams struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	RefreshIntervalMS int64  `json:"refresh_interval_ms"`
	MaxItems          int    `json:"max_items"`
}

func (h *Handlers) addFeed(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[addFeedParams](raw)
	if err != nil {
		return nil, err
	}
	interval, err := domain.IntervalFromMillis(p.RefreshIntervalMS)
	if err != nil {
		return nil, err
	}
	cfg, err := h.AddFeed(ctx, domain.FeedConfig{
		Name:            p.Name,
		URL:             p.URL,
		RefreshInterval: interval,
		MaxItems:        p.MaxItems,
	})
	if err != nil {
		return nil, err
	}
	return h.view(cfg), nil
}

// AddFeed registers cfg and persists the effective config when a store is
// configured.
func (h *Handlers) AddFeed(ctx context.Context, cfg domain.FeedConfig) (domain.FeedConfig, error) {
	cfg, err := h.feeds.AddOrUpdate(cfg)
	if err != nil {
		return domain.FeedConfig{}, err
	}
	if h.store != nil {
		if err := h.store.SaveFeed(ctx, cfg); err != nil {
			h.logger.Error().Err(err).Str("feed", cfg.Name).Msg("persist feed")
			return cfg, fmt.Errorf("feed %s registered but not persisted: %w", cfg.Name, err)
		}
	}
	return cfg, nil
}

type nameParams struct {
	Name string `json:"name"`
}

func (h *Handlers) removeFeed(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[nameParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.RemoveFeed(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"removed": p.Name}, nil
}

// RemoveFeed drops name from the registry and the store. It fails with
// domain.ErrFeedNotFound only when neither knew the feed.
func (h *Handlers) RemoveFeed(ctx context.Context, name string) error {
	removed := h.feeds.Remove(name)
	if h.store != nil {
		rows, err := h.store.DeleteFeed(ctx, name)
		if err != nil {
			return fmt.Errorf("delete feed %s: %w", name, err)
		}
		removed = removed || rows > 0
	}
	if !removed {
		return fmt.Errorf("%w: %s", domain.ErrFeedNotFound, name)
	}
	return nil
}

func (h *Handlers) listFeeds(context.Context, json.RawMessage) (any, error) {
	cfgs := h.feeds.Configs()
	out := make([]FeedView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, h.view(cfg))
	}
	return map[string]any{"feeds": out}, nil
}

type getItemsParams struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

func (h *Handlers) getFeedItems(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[getItemsParams](raw)
	if err != nil {
		return nil, err
	}
	return h.FeedItems(p.Name, p.Limit)
}

// FeedItems returns the cached snapshot of name with at most limit items;
// limit <= 0 keeps them all. The cache itself is never trimmed.
func (h *Handlers) FeedItems(name string, limit int) (domain.FeedSnapshot, error) {
	if _, ok := h.feeds.Config(name); !ok {
		return domain.FeedSnapshot{}, fmt.Errorf("%w: %s", domain.ErrFeedNotFound, name)
	}
	snap, ok := h.feeds.Snapshot(name)
	if !ok {
		return domain.FeedSnapshot{}, fmt.Errorf("%w: %s", ErrNotFetched, name)
	}
	if limit > 0 && len(snap.Items) > limit {
		snap.Items = snap.Items[:limit]
	}
	return snap, nil
}

func (h *Handlers) refreshFeed(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[nameParams](raw)
	if err != nil {
		return nil, err
	}
	snap, err := h.feeds.Refresh(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":         snap.Name,
		"title":        snap.Title,
		"item_count":   len(snap.Items),
		"last_updated": snap.LastUpdated,
	}, nil
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (h *Handlers) searchFeeds(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[searchParams](raw)
	if err != nil {
		return nil, err
	}
	hits := h.feeds.Search(p.Query)
	if p.Limit > 0 && len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}
	if hits == nil {
		hits = []domain.SearchHit{}
	}
	return map[string]any{"query": p.Query, "hits": hits}, nil
}

func (h *Handlers) feedsResource(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"feeds": h.feeds.Snapshots()}, nil
}

func (h *Handlers) feedResource(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := router.Bind[nameParams](raw)
	if err != nil {
		return nil, err
	}
	return h.FeedItems(p.Name, 0)
}
