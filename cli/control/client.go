package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rssmcp/domain"
	ctrl "rssmcp/internal/control"
)

type (
	FeedStatus     = ctrl.FeedStatus
	RefreshResult  = ctrl.RefreshResult
	AddFeedRequest = ctrl.AddFeedRequest
)

type Client struct {
	addr string
	http *http.Client
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: 2 * time.Minute}}
}

func (c *Client) ListFeeds(ctx context.Context) ([]FeedStatus, error) {
	var out []FeedStatus
	if err := c.do(ctx, http.MethodGet, "/feeds", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Refresh(ctx context.Context, name string) (RefreshResult, error) {
	var out RefreshResult
	err := c.do(ctx, http.MethodPost, feedPath(name)+"/refresh", &out)
	return out, err
}

func (c *Client) AddFeed(ctx context.Context, feed AddFeedRequest) (FeedStatus, error) {
	var out FeedStatus
	err := c.send(ctx, http.MethodPost, "/feeds", feed, &out)
	return out, err
}

func (c *Client) RemoveFeed(ctx context.Context, name string) error {
	var out map[string]string
	return c.do(ctx, http.MethodDelete, feedPath(name), &out)
}

// Items returns up to num cached items of name; num <= 0 returns them all.
func (c *Client) Items(ctx context.Context, name string, num int) (domain.FeedSnapshot, error) {
	path := feedPath(name)
	if num > 0 {
		path += "?num=" + strconv.Itoa(num)
	}
	var out domain.FeedSnapshot
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

func feedPath(name string) string { return "/feeds/" + url.PathEscape(name) }

func (c *Client) do(ctx context.Context, method, path string, into any) error {
	return c.send(ctx, method, path, nil, into)
}

func (c *Client) send(ctx context.Context, method, path string, body, into any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("server error: %s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("server error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
