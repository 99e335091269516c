package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rssmcp/domain"
	"rssmcp/internal/metrics"
)

var (
	ErrClosed = errors.New("registry closed")
	// ErrStaleRefresh reports a fetch whose feed was re-registered with a new
	// config while it was in flight; its result is discarded.
	ErrStaleRefresh = errors.New("feed config replaced during refresh")
)

type entry struct {
	cfg      domain.FeedConfig
	gen      uint64
	snapshot *domain.FeedSnapshot
	cancel   context.CancelFunc
}

// Registry owns feed configs, their cached snapshots and one refresh task per
// feed. Snapshots are replaced whole, never mutated, so readers may keep the
// values they get back.
type Registry struct {
	fetcher         domain.FeedFetcher
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	defaultInterval time.Duration
	defaultMaxItems int
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// live counts running refresh tasks and backs the tasks gauge.
	live atomic.Int32

	mu      sync.RWMutex
	order   []string
	feeds   map[string]*entry
	nextGen uint64
	closed  bool
}

type Option func(*Registry)

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithDefaults(interval time.Duration, maxItems int) Option {
	return func(r *Registry) {
		r.defaultInterval = interval
		r.defaultMaxItems = maxItems
	}
}

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(fetcher domain.FeedFetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher:         fetcher,
		logger:          zerolog.Nop(),
		defaultInterval: domain.DefaultRefreshInterval,
		defaultMaxItems: domain.DefaultMaxItems,
		now:             time.Now,
		feeds:           make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// AddOrUpdate registers cfg, replacing any existing registration of the same
// name, and starts its refresh task. The first refresh runs in the background;
// its outcome is only logged.
func (r *Registry) AddOrUpdate(cfg domain.FeedConfig) (domain.FeedConfig, error) {
	if err := domain.ValidateConfig(cfg); err != nil {
		return domain.FeedConfig{}, err
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg = cfg.WithDefaults(r.defaultInterval, r.defaultMaxItems)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.FeedConfig{}, ErrClosed
	}
	r.nextGen++
	gen := r.nextGen
	taskCtx, cancel := context.WithCancel(r.ctx)
	next := &entry{cfg: cfg, gen: gen, cancel: cancel}
	if prev, ok := r.feeds[cfg.Name]; ok {
		prev.cancel()
		next.snapshot = prev.snapshot
	} else {
		r.order = append(r.order, cfg.Name)
	}
	r.feeds[cfg.Name] = next
	count := len(r.feeds)
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.SetFeeds(count)
	r.logger.Info().Str("feed", cfg.Name).Str("url", cfg.URL).
		Dur("interval", cfg.RefreshInterval).Int("max_items", cfg.MaxItems).Msg("feed registered")

	go r.run(taskCtx, cfg.Name, gen, cfg.RefreshInterval)
	return cfg, nil
}

// Remove cancels the feed's refresh task and drops its config and snapshot.
// Unknown names are logged and ignored.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	e, ok := r.feeds[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn().Str("feed", name).Msg("remove: feed not registered")
		return false
	}
	e.cancel()
	delete(r.feeds, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	count := len(r.feeds)
	r.mu.Unlock()

	r.metrics.SetFeeds(count)
	r.logger.Info().Str("feed", name).Msg("feed removed")
	return true
}

// Refresh fetches the feed now and replaces its snapshot on success. On
// failure the previous snapshot is kept.
func (r *Registry) Refresh(ctx context.Context, name string) (domain.FeedSnapshot, error) {
	snap, err := r.refresh(ctx, name, 0)
	r.metrics.Refresh("manual", err)
	return snap, err
}

func (r *Registry) refresh(ctx context.Context, name string, wantGen uint64) (domain.FeedSnapshot, error) {
	r.mu.RLock()
	e, ok := r.feeds[name]
	r.mu.RUnlock()
	if !ok {
		return domain.FeedSnapshot{}, fmt.Errorf("%w: %s", domain.ErrFeedNotFound, name)
	}
	cfg, gen := e.cfg, e.gen
	if wantGen != 0 && gen != wantGen {
		return domain.FeedSnapshot{}, ErrStaleRefresh
	}

	parsed, err := r.fetcher.Fetch(ctx, cfg.URL)
	if err != nil {
		return domain.FeedSnapshot{}, fmt.Errorf("%w: %s: %w", domain.ErrFeedFetch, name, err)
	}
	snap := buildSnapshot(cfg, parsed, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.feeds[name]
	if !ok {
		return domain.FeedSnapshot{}, fmt.Errorf("%w: %s (removed during refresh)", domain.ErrFeedNotFound, name)
	}
	if cur.gen != gen {
		return domain.FeedSnapshot{}, ErrStaleRefresh
	}
	cur.snapshot = &snap
	return snap, nil
}

// buildSnapshot keeps the first MaxItems items in source order.
func buildSnapshot(cfg domain.FeedConfig, parsed domain.ParsedFeed, now time.Time) domain.FeedSnapshot {
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		title = cfg.Name
	}
	items := parsed.Items
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}
	copied := make([]domain.FeedItem, len(items))
	copy(copied, items)
	return domain.FeedSnapshot{
		Name:        cfg.Name,
		Title:       title,
		Description: parsed.Description,
		Link:        parsed.Link,
		Items:       copied,
		LastUpdated: now,
		SourceURL:   cfg.URL,
	}
}

func (r *Registry) Snapshot(name string) (domain.FeedSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.feeds[name]
	if !ok || e.snapshot == nil {
		return domain.FeedSnapshot{}, false
	}
	return *e.snapshot, true
}

// Snapshots returns every cached snapshot in registration order.
func (r *Registry) Snapshots() []domain.FeedSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.FeedSnapshot, 0, len(r.order))
	for _, name := range r.order {
		if e := r.feeds[name]; e.snapshot != nil {
			out = append(out, *e.snapshot)
		}
	}
	return out
}

func (r *Registry) Config(name string) (domain.FeedConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.feeds[name]
	if !ok {
		return domain.FeedConfig{}, false
	}
	return e.cfg, true
}

// Configs returns every registered config in registration order.
func (r *Registry) Configs() []domain.FeedConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.FeedConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.feeds[name].cfg)
	}
	return out
}

// Search does a case-insensitive substring match over title, content and
// snippet of every cached item. Feeds are scanned in registration order and
// items in snapshot order.
func (r *Registry) Search(query string) []domain.SearchHit {
	q := strings.ToLower(query)
	var hits []domain.SearchHit
	for _, snap := range r.Snapshots() {
		for _, it := range snap.Items {
			if strings.Contains(strings.ToLower(it.Title), q) ||
				strings.Contains(strings.ToLower(it.Content), q) ||
				strings.Contains(strings.ToLower(it.Snippet), q) {
				hits = append(hits, domain.SearchHit{Feed: snap.Name, Item: it})
			}
		}
	}
	return hits
}

// Close cancels every refresh task and waits for them to exit.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
