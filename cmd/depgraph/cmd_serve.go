// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/api"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/ast"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/config"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/git"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/storage/badger"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/storage/gcs"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/telemetry"
)

const serviceName = "depgraph"

var (
	serveAddr  string
	serveFiles []string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a live dependency graph session with an HTTP API",
	Long: `Start a session over the module root. The session watches Go files and
the git HEAD, applies changes incrementally, and publishes a new view after
every change. Views are served over HTTP and streamed over WebSocket.

Endpoints (under /v1/depgraph):
  GET  /health          Session status
  GET  /view            Latest view record
  GET  /view/:format    Latest display graph as mermaid, dot or json
  POST /roots           Replace the active files
  POST /depth           Change the display depth
  POST /force           Show views above the node threshold
  POST /rebuild         Rebuild from scratch
  GET  /ws              Stream of view records`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringSliceVar(&serveFiles, "files", nil, "Initial active files")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Run gin in debug mode")
}

// server holds everything a running session owns.
type server struct {
	cfg      *config.Config
	logger   *slog.Logger
	analyzer *ast.GoAnalyzer
	status   *git.StatusProvider
	session  *session.Session
	closers  []func() error
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
}

// newServer wires the analyzer, git status, reconciler, session and
// snapshot sinks from cfg.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	analyzer, err := ast.NewGoAnalyzer(cfg.Project.Root,
		ast.WithLogger(logger),
		ast.WithMaxFileSize(cfg.Analyzer.MaxFileSize),
		ast.WithParseWorkers(cfg.Analyzer.ParseWorkers),
	)
	if err != nil {
		return nil, err
	}
	s.analyzer = analyzer
	s.status = git.NewStatusProvider(cfg.Project.Root,
		git.WithTimeout(cfg.Session.GitTimeout),
		git.WithLogger(logger),
	)

	builder := graph.NewBuilder(analyzer,
		graph.WithLogger(logger),
		graph.WithStatusProvider(s.status),
		graph.WithMaxNodes(cfg.Graph.MaxNodes),
	)
	reconciler := graph.NewReconciler(builder, graph.WithReconcilerLogger(logger))

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithRoot(cfg.Project.Root),
		session.WithDepth(cfg.Graph.Depth),
		session.WithThreshold(cfg.Threshold.MaxNodes),
		session.WithRateLimit(rate.Limit(cfg.Session.RefreshPerSecond), cfg.Session.RefreshBurst),
		session.WithStatusCache(s.status),
	}

	if cfg.Storage.Enabled {
		bcfg := badger.DefaultConfig(cfg.Storage.Path)
		bcfg.Logger = logger
		db, err := badger.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		store := badger.NewSnapshotStore(db,
			badger.WithRetention(cfg.Storage.Retention),
			badger.WithTTL(cfg.Storage.TTL),
			badger.WithStoreLogger(logger),
		)
		opts = append(opts, session.WithSink(store))
	}
	if cfg.Export.Enabled() {
		exp, err := gcs.NewExporter(ctx, gcs.Config{
			Bucket:          cfg.Export.Bucket,
			Prefix:          cfg.Export.Prefix,
			CredentialsFile: cfg.Export.CredentialsFile,
			Formats:         cfg.Export.OutputFormats(),
		}, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, exp.Close)
		opts = append(opts, session.WithSink(exp))
	}

	s.session = session.New(reconciler, analyzer, opts...)
	return s, nil
}

// watch starts the file and HEAD watchers. Both stop when ctx is done.
func (s *server) watch(ctx context.Context, g *errgroup.Group) error {
	wopts := session.DefaultWatcherOptions()
	wopts.DebounceWindow = s.cfg.Session.Debounce
	wopts.Logger = s.logger
	fw, err := session.NewFileWatcher(s.cfg.Project.Root, s.session.OnFileChanges, &wopts)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		fw.Stop()
		return nil
	})

	if !s.cfg.Session.WatchHead {
		return nil
	}
	gitDir, err := git.FindGitDir(s.cfg.Project.Root)
	if err != nil {
		s.logger.Info("not a git repository, HEAD watching disabled", slog.String("error", err.Error()))
		return nil
	}
	hw, err := git.NewHeadWatcher(gitDir, s.session.RequestRebuild, s.status, s.analyzer)
	if err != nil {
		return err
	}
	g.Go(func() error {
		hw.Start(ctx)
		return hw.Stop()
	})
	return nil
}

// sessionCollectors exposes session state as Prometheus gauges.
func sessionCollectors(sess *session.Session) []prometheus.Collector {
	labels := prometheus.Labels{"session": sess.ID()}
	latest := func(f func(*session.View) float64) func() float64 {
		return func() float64 {
			v, ok := sess.Latest()
			if !ok {
				return 0
			}
			return f(v)
		}
	}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "depgraph_session_view_sequence",
			Help:        "Sequence number of the latest published view.",
			ConstLabels: labels,
		}, latest(func(v *session.View) float64 { return float64(v.Sequence) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "depgraph_session_display_nodes",
			Help:        "Node count of the latest display graph.",
			ConstLabels: labels,
		}, latest(func(v *session.View) float64 { return float64(v.NodeCount) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "depgraph_session_graph_nodes",
			Help:        "Node count of the full dependency graph.",
			ConstLabels: labels,
		}, latest(func(v *session.View) float64 { return float64(v.GraphNodes) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "depgraph_session_dirty_files",
			Help:        "Changed files waiting to be applied.",
			ConstLabels: labels,
		}, func() float64 { return float64(sess.Settings().DirtyFiles) }),
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()
	if err := providers.Register(sessionCollectors(srv.session)...); err != nil {
		return fmt.Errorf("register session metrics: %w", err)
	}

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(srv.session, api.WithLogger(logger))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handlers, serviceName, providers.MetricsHandler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.session.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := srv.watch(gctx, g); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		logger.Info("depgraph server listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("root", cfg.Project.Root),
			slog.String("session", srv.session.ID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if len(serveFiles) > 0 {
		g.Go(func() error {
			if err := srv.session.SetActiveFiles(gctx, serveFiles); err != nil && gctx.Err() == nil {
				logger.Warn("initial files not applied", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	fmt.Fprintln(cmd.ErrOrStderr(), styles.Title.Render("depgraph")+" "+
		styles.Muted.Render("serving "+cfg.Project.Root+" on http://"+cfg.Server.Addr))

	err = g.Wait()
	logger.Info("depgraph server stopped")
	return err
}
