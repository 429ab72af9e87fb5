package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tapesim/internal/api"
	"tapesim/internal/config"
	"tapesim/internal/historical"
	"tapesim/internal/journal"
	"tapesim/internal/orderbook"
	"tapesim/internal/replay"
	"tapesim/internal/stream"
)

func newServeCmd(rc *RootConfig) *cobra.Command {
	var (
		addr        string
		journalPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replay and trading HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				rc.Config.Server.Addr = addr
			}
			if cmd.Flags().Changed("journal") {
				rc.Config.Journal.Path = journalPath
			}
			return runServe(cmd.Context(), rc)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "Listen address")
	cmd.Flags().StringVar(&journalPath, "journal", "tapesim.db", "SQLite journal path; empty disables it")
	return cmd
}

func runServe(ctx context.Context, rc *RootConfig) error {
	cfg, logger := rc.Config, rc.Logger
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder replay.Recorder
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		recorder = j
	}

	srv, err := buildServer(cfg, recorder, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Open SSE streams end when the server shuts down.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Server.Addr, "data_dir", cfg.Data.Dir)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// buildServer assembles the store, session and API server from cfg.
func buildServer(cfg *config.Config, recorder replay.Recorder, logger *slog.Logger) (*api.Server, error) {
	tf, err := cfg.Timeframe()
	if err != nil {
		return nil, err
	}
	store := historical.NewStore(cfg.Data.Dir, logger)
	sched := stream.NewScheduler(logger)
	hub := api.NewHub(logger)
	session := replay.NewSession(replay.Deps{
		Store:       store,
		Scheduler:   sched,
		Engine:      orderbook.NewEngine(cfg.Matching, cfg.Risk),
		Recorder:    recorder,
		Broadcaster: hub,
		Logger:      logger,
	}, replay.Options{
		Symbol:    cfg.Data.Symbol,
		Day:       cfg.Data.Day,
		Timeframe: tf,
	})
	return api.NewServer(api.Deps{
		Store:     store,
		Scheduler: sched,
		Session:   session,
		Hub:       hub,
		Catalog:   historical.NewCatalogCache(cfg.Server.CatalogTTL.Duration),
		Logger:    logger,
	}, api.Options{
		TZ:          cfg.Data.TZ,
		CORSOrigins: cfg.Server.CORSOrigins,
	}), nil
}
