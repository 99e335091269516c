package domain

import "time"

const (
	DefaultRefreshInterval = 15 * time.Minute
	DefaultMaxItems        = 50
)

// FeedConfig is the registration record for one feed. Name is the unique key.
type FeedConfig struct {
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	MaxItems        int           `json:"max_items"`
}

// WithDefaults fills unset interval and item limit.
func (c FeedConfig) WithDefaults(interval time.Duration, maxItems int) FeedConfig {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = interval
	}
	if c.MaxItems <= 0 {
		c.MaxItems = maxItems
	}
	return c
}

// FeedSnapshot is the last successfully fetched state of a feed.
type FeedSnapshot struct {
	Name        string     `json:"name"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Link        string     `json:"link,omitempty"`
	Items       []FeedItem `json:"items"`
	LastUpdated time.Time  `json:"last_updated"`
	SourceURL   string     `json:"source_url"`
}

type FeedItem struct {
	Title      string   `json:"title,omitempty"`
	Link       string   `json:"link,omitempty"`
	Content    string   `json:"content,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
	Author     string   `json:"author,omitempty"`
	Categories []string `json:"categories,omitempty"`
	PubDate    string   `json:"pub_date,omitempty"`
	ISODate    string   `json:"iso_date,omitempty"`
	GUID       string   `json:"guid,omitempty"`
}

// ParsedFeed is what a fetcher hands back for one source document.
type ParsedFeed struct {
	Title       string
	Description string
	Link        string
	Items       []FeedItem
}

// SearchHit pairs a matched item with the feed it came from.
type SearchHit struct {
	Feed string   `json:"feed"`
	Item FeedItem `json:"item"`
}
