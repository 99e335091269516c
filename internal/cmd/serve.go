package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rssmcp/adapter/postgres"
	"rssmcp/adapter/rss"
	"rssmcp/app"
	"rssmcp/domain"
	"rssmcp/internal/config"
	"rssmcp/internal/control"
	"rssmcp/internal/logging"
	"rssmcp/internal/metrics"
	"rssmcp/internal/protocol"
	"rssmcp/internal/router"
	"rssmcp/internal/tools"
)

func newServeCmd() *cobra.Command {
	var feedsFile, controlAddr string
	var noControl bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the protocol on stdin/stdout and refresh registered feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("feeds") {
				cfg.FeedsFile = feedsFile
			}
			if cmd.Flags().Changed("control-addr") {
				cfg.ControlAddr = controlAddr
			}
			if noControl {
				cfg.ControlAddr = ""
			}
			logger := logging.New("rssmcp", logging.ProfileRuntime, cmd.ErrOrStderr())

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	serve.Flags().StringVar(&feedsFile, "feeds", "", "TOML file of [[feeds]] to register at startup (overrides RSSMCP_FEEDS_FILE)")
	serve.Flags().StringVar(&controlAddr, "control-addr", "", "control plane listen address (overrides RSSMCP_CONTROL_ADDR)")
	serve.Flags().BoolVar(&noControl, "no-control", false, "do not start the control plane")
	return serve
}

// runServe wires the registry, router and control plane and serves the
// protocol on in/out. It returns when in is exhausted or ctx is done.
func runServe(ctx context.Context, cfg config.Config, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	var ln net.Listener
	if cfg.ControlAddr != "" {
		var err error
		ln, err = control.TryListen(cfg.ControlAddr)
		if err != nil {
			if errors.Is(err, control.ErrAlreadyRunning) {
				return fmt.Errorf("control address %s is taken, is another server running? %w", cfg.ControlAddr, err)
			}
			return err
		}
		defer ln.Close()
	}

	var store domain.FeedStore
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		repo := postgres.New(db)
		if err := repo.Ensure(ctx); err != nil {
			return fmt.Errorf("db ensure failed: %w", err)
		}
		store = repo
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := app.NewRegistry(rss.NewHTTPFetcher(cfg.FetchTimeout),
		app.WithLogger(logger.With().Str("component", "registry").Logger()),
		app.WithMetrics(m),
		app.WithDefaults(cfg.DefaultInterval, cfg.DefaultMaxItems),
	)
	defer func() {
		_ = reg.Close()
		logger.Info().Msg("registry stopped")
	}()

	if err := restoreFeeds(ctx, reg, store, cfg.FeedsFile, logger); err != nil {
		return err
	}

	rt := router.New(cfg.ServerName, cfg.ServerVersion,
		router.WithLogger(logger.With().Str("component", "router").Logger()),
		router.WithMetrics(m),
	)
	handlers := tools.New(reg, tools.WithStore(store), tools.WithLogger(logger.With().Str("component", "tools").Logger()))
	if err := handlers.Register(rt); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if ln != nil {
		srv := control.NewServer(reg, handlers, promReg, logger.With().Str("component", "control").Logger())
		logger.Info().Str("addr", ln.Addr().String()).Msg("control plane listening")
		g.Go(func() error { return srv.Serve(gctx, ln) })
	}

	g.Go(func() error {
		// A blocked stdin read cannot be interrupted; on shutdown the
		// reader goroutine is left to die with the process.
		done := make(chan error, 1)
		go func() {
			done <- rt.Serve(gctx, in, out,
				protocol.WithHandshakeGrace(cfg.HandshakeGrace),
				protocol.WithSessionLogger(logger.With().Str("component", "transport").Logger()),
			)
		}()
		select {
		case err := <-done:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// restoreFeeds registers seed feeds from path, then feeds persisted in store.
// Persisted registrations win over seeds of the same name.
func restoreFeeds(ctx context.Context, reg *app.Registry, store domain.FeedStore, path string, logger zerolog.Logger) error {
	var cfgs []domain.FeedConfig
	if path != "" {
		seeds, err := config.LoadFeeds(path)
		if err != nil {
			return err
		}
		cfgs = append(cfgs, seeds...)
	}
	if store != nil {
		saved, err := store.ListFeeds(ctx)
		if err != nil {
			return fmt.Errorf("list stored feeds: %w", err)
		}
		cfgs = append(cfgs, saved...)
	}
	for _, cfg := range cfgs {
		if _, err := reg.AddOrUpdate(cfg); err != nil {
			logger.Warn().Err(err).Str("feed", cfg.Name).Msg("skipping feed")
		}
	}
	if len(cfgs) > 0 {
		logger.Info().Int("feeds", len(reg.Configs())).Msg("feeds restored")
	}
	return nil
}

