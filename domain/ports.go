package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrFeedNotFound = errors.New("feed not found")
	ErrFeedFetch    = errors.New("feed fetch failed")
	ErrInvalidFeed  = errors.New("invalid feed config")
)

// FeedFetcher fetches and parses one feed document.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) (ParsedFeed, error)
}

// FeedStore is the persistence port for feed registrations.
type FeedStore interface {
	Ensure(ctx context.Context) error
	SaveFeed(ctx context.Context, cfg FeedConfig) error
	DeleteFeed(ctx context.Context, name string) (int64, error)
	ListFeeds(ctx context.Context) ([]FeedConfig, error)
}

// MaxRefreshInterval bounds configured intervals well below time.Duration overflow.
const MaxRefreshInterval = 365 * 24 * time.Hour

// IntervalFromMillis converts a millisecond interval, rejecting values past
// MaxRefreshInterval before the multiplication can overflow.
func IntervalFromMillis(ms int64) (time.Duration, error) {
	if ms < 0 || ms > MaxRefreshInterval.Milliseconds() {
		return 0, fmt.Errorf("%w: refresh interval must be between 0 and %d ms", ErrInvalidFeed, MaxRefreshInterval.Milliseconds())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ValidateConfig checks the name and interval and that the URL is an absolute
// http(s) URL.
func ValidateConfig(cfg FeedConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFeed)
	}
	if cfg.RefreshInterval > MaxRefreshInterval {
		return fmt.Errorf("%w: refresh interval exceeds %s", ErrInvalidFeed, MaxRefreshInterval)
	}
	u, err := url.ParseRequestURI(strings.TrimSpace(cfg.URL))
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrInvalidFeed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme: %s", ErrInvalidFeed, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidFeed)
	}
	return nil
}
