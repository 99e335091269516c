package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rssmcp/domain"
	"rssmcp/internal/tools"
)

var ErrAlreadyRunning = errors.New("already running")

// TryListen tries to bind the control address. If it's already in use, we assume an instance is running.
func TryListen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAlreadyRunning, addr, err)
	}
	return ln, nil
}

// Registry is the slice of the feed registry the control plane exposes.
type Registry interface {
	Configs() []domain.FeedConfig
	Snapshot(name string) (domain.FeedSnapshot, bool)
	Refresh(ctx context.Context, name string) (domain.FeedSnapshot, error)
}

// Manager changes registrations the same way the add_feed, remove_feed and
// get_feed_items tools do, store included.
type Manager interface {
	AddFeed(ctx context.Context, cfg domain.FeedConfig) (domain.FeedConfig, error)
	RemoveFeed(ctx context.Context, name string) error
	FeedItems(name string, limit int) (domain.FeedSnapshot, error)
}

// AddFeedRequest is the body of POST /feeds.
type AddFeedRequest struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	RefreshIntervalMS int64  `json:"refresh_interval_ms,omitempty"`
	MaxItems          int    `json:"max_items,omitempty"`
}

// FeedStatus is one row of GET /feeds.
type FeedStatus struct {
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	RefreshIntervalMS int64      `json:"refresh_interval_ms"`
	MaxItems          int        `json:"max_items"`
	ItemCount         int        `json:"item_count"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

// RefreshResult is the body of POST /feeds/:name/refresh.
type RefreshResult struct {
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	ItemCount   int       `json:"item_count"`
	LastUpdated time.Time `json:"last_updated"`
}

type Server struct {
	reg    Registry
	mgr    Manager
	logger zerolog.Logger
	echo   *echo.Echo
}

// NewServer builds the control plane. gatherer backs /metrics; nil uses the
// default prometheus registry.
func NewServer(reg Registry, mgr Manager, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{reg: reg, mgr: mgr, logger: logger, echo: echo.New()}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.GET("/feeds", s.listFeeds)
	e.POST("/feeds", s.addFeed)
	e.GET("/feeds/:name", s.feedItems)
	e.DELETE("/feeds/:name", s.removeFeed)
	e.POST("/feeds/:name/refresh", s.refreshFeed)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

// Serve runs the control plane on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.echo.Listener = ln
	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start("") }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	s.logger.Warn().Int("status", code).Str("method", req.Method).Str("path", req.URL.Path).Err(err).Msg("control request failed")
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}

func (s *Server) status(cfg domain.FeedConfig) FeedStatus {
	st := FeedStatus{
		Name:              cfg.Name,
		URL:               cfg.URL,
		RefreshIntervalMS: cfg.RefreshInterval.Milliseconds(),
		MaxItems:          cfg.MaxItems,
	}
	if snap, ok := s.reg.Snapshot(cfg.Name); ok {
		st.ItemCount = len(snap.Items)
		updated := snap.LastUpdated
		st.LastUpdated = &updated
	}
	return st
}

// httpError maps registry errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, domain.ErrFeedNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidFeed):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, tools.ErrNotFetched):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrFeedFetch):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return err
}

// feedName returns the decoded :name segment. Echo matches on the raw path,
// so an escaped slash arrives still encoded.
func feedName(c echo.Context) (string, error) {
	name, err := url.PathUnescape(c.Param("name"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("bad feed name: %v", err))
	}
	return name, nil
}

func (s *Server) listFeeds(c echo.Context) error {
	cfgs := s.reg.Configs()
	out := make([]FeedStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, s.status(cfg))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) addFeed(c echo.Context) error {
	var req AddFeedRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	interval, err := domain.IntervalFromMillis(req.RefreshIntervalMS)
	if err != nil {
		return httpError(err)
	}
	cfg, err := s.mgr.AddFeed(c.Request().Context(), domain.FeedConfig{
		Name:            req.Name,
		URL:             req.URL,
		RefreshInterval: interval,
		MaxItems:        req.MaxItems,
	})
	if err != nil {
		return httpError(err)
	}
	s.logger.Info().Str("feed", cfg.Name).Str("url", cfg.URL).Msg("feed added over control plane")
	return c.JSON(http.StatusCreated, s.status(cfg))
}

func (s *Server) removeFeed(c echo.Context) error {
	name, err := feedName(c)
	if err != nil {
		return err
	}
	if err := s.mgr.RemoveFeed(c.Request().Context(), name); err != nil {
		return httpError(err)
	}
	s.logger.Info().Str("feed", name).Msg("feed removed over control plane")
	return c.JSON(http.StatusOK, map[string]string{"removed": name})
}

func (s *Server) feedItems(c echo.Context) error {
	name, err := feedName(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("num"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("bad num %q", raw))
		}
	}
	snap, err := s.mgr.FeedItems(name, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) refreshFeed(c echo.Context) error {
	name, err := feedName(c)
	if err != nil {
		return err
	}
	snap, err := s.reg.Refresh(c.Request().Context(), name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, RefreshResult{
		Name:        snap.Name,
		Title:       snap.Title,
		ItemCount:   len(snap.Items),
		LastUpdated: snap.LastUpdated,
	})
}
