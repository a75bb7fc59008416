package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/stackpipe/internal/shell/api"
	"github.com/artpar/stackpipe/internal/shell/sequencer"
	"github.com/artpar/stackpipe/internal/shell/workers"
)

// interruptedMessage marks runs left running by a previous process.
const interruptedMessage = "interrupted: stackpipe restarted while the run was in progress"

// =============================================================================
// Server
// =============================================================================

// Server serves the pipeline API and, when enabled, polls pipeline sources.
type Server struct {
	config     *Config
	runs       *sequencer.Sequencer
	httpServer *http.Server
	poller     *workers.SourcePoller
	logger     *slog.Logger
}

// NewServer wires the API handler and poller onto the app's sequencer.
func NewServer(ctx context.Context, cfg *Config, app *App, logger *slog.Logger) (*Server, error) {
	n, err := app.Store().FailInterruptedRuns(ctx, interruptedMessage)
	if err != nil {
		return nil, &ExitError{Op: "recover runs", Err: err, Code: ExitDatabaseError}
	}
	if n > 0 {
		logger.Warn("marked interrupted runs as failed", "count", n)
	}

	seq, err := app.Sequencer(ctx)
	if err != nil {
		return nil, err
	}
	st, err := app.Stack()
	if err != nil {
		return nil, err
	}
	prov, err := app.Provisioner(ctx)
	if err != nil {
		return nil, err
	}

	outputs := func(ctx context.Context) (map[string]string, error) {
		return prov.Outputs(ctx, st.Outputs)
	}
	handler := api.NewHandler(seq, app.Store(), outputs, api.Config{
		WebhookSecret: []byte(cfg.Pipeline.WebhookSecret),
		APIToken:      cfg.Server.APIToken,
		Version:       Version,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var poller *workers.SourcePoller
	if cfg.Pipeline.Poll {
		src, err := app.Sources(ctx)
		if err != nil {
			return nil, err
		}
		poller = workers.NewSourcePoller(src, seq, app.Store(), cfg.Pipeline.Poller, logger)
		logger.Info("source polling enabled", "interval", cfg.Pipeline.Poller.Interval)
	}
	if cfg.Pipeline.WebhookSecret == "" {
		logger.Warn("pipeline.webhook_secret is empty; webhook signatures are not verified")
	}

	return &Server{
		config:     cfg,
		runs:       seq,
		httpServer: httpServer,
		poller:     poller,
		logger:     logger,
	}, nil
}

// Start serves until ctx ends or the listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &ExitError{Op: "serve", Err: err, Code: ExitServerError}
		}
		return nil
	})

	if s.poller != nil {
		g.Go(func() error {
			return s.poller.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.Shutdown(context.Background())
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, then interrupts in-flight runs.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Runs still in flight are marked failed on the next start.
	done := make(chan struct{})
	go func() {
		s.runs.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("runs still in progress at shutdown")
	}

	s.logger.Info("shutdown complete")
}

// =============================================================================
// Command
// =============================================================================

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline API and webhook endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return c.withApp(func(app *App) error {
				c.logger.Info("starting stackpipe",
					"version", Version,
					"config", c.configPath,
					"stack", c.config.Stack.File,
				)
				server, err := NewServer(ctx, c.config, app, c.logger)
				if err != nil {
					return err
				}
				return server.Start(ctx)
			})
		},
	}
}
