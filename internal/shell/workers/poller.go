// Package workers contains background workers for stackpipe.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// HeadSource reports the current head revision of a pipeline's branch.
type HeadSource interface {
	Head(ctx context.Context, def pipeline.Definition) (string, error)
}

// Starter starts pipeline runs in the background.
type Starter interface {
	Pipelines() []pipeline.Definition
	Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (string, error)
}

// RunLister reads run history.
type RunLister interface {
	ListRuns(ctx context.Context, pipelineID string, opts store.ListOptions) ([]pipeline.Run, error)
}

// PollerConfig configures the source poller.
type PollerConfig struct {
	// Interval is the time between polls. Default: 1 minute.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds one poll of one pipeline. Default: 30 seconds.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxConcurrent is the number of pipelines polled at once. Default: 4.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DefaultPollerConfig returns the default configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      time.Minute,
		Timeout:       30 * time.Second,
		MaxConcurrent: 4,
	}
}

// SourcePoller watches each pipeline's branch and starts a run when its head
// moves. It is the fallback trigger for repositories that cannot deliver
// webhooks.
type SourcePoller struct {
	heads  HeadSource
	runs   Starter
	store  RunLister
	config PollerConfig
	logger *slog.Logger

	mu      sync.Mutex
	started map[string]string // pipeline ID -> last revision this poller started

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSourcePoller creates a source poller.
func NewSourcePoller(heads HeadSource, runs Starter, s RunLister, config PollerConfig, logger *slog.Logger) *SourcePoller {
	defaults := DefaultPollerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SourcePoller{
		heads:   heads,
		runs:    runs,
		store:   s,
		config:  config,
		logger:  logger.With("component", "source_poller"),
		started: make(map[string]string),
	}
}

// Start begins polling in a background goroutine.
func (p *SourcePoller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("source poller started", "interval", p.config.Interval, "pipelines", len(p.runs.Pipelines()))
}

// Stop stops polling and waits for the current cycle to finish.
func (p *SourcePoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("source poller stopped")
}

// Run polls until ctx is done. It is the blocking form of Start/Stop for
// callers that manage goroutines themselves.
func (p *SourcePoller) Run(ctx context.Context) error {
	p.ctx = ctx
	p.wg.Add(1)
	p.run()
	return nil
}

func (p *SourcePoller) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.runCycle()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle()
		}
	}
}

func (p *SourcePoller) runCycle() {
	var g errgroup.Group
	g.SetLimit(p.config.MaxConcurrent)
	for _, def := range p.runs.Pipelines() {
		if p.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
			defer cancel()
			p.poll(ctx, def)
			return nil
		})
	}
	g.Wait()
}

// poll starts a run when the branch head differs from the revision of the
// pipeline's latest run, whatever triggered that run. A pipeline that has
// never run is started once.
func (p *SourcePoller) poll(ctx context.Context, def pipeline.Definition) {
	logger := p.logger.With("pipeline", def.ID, "branch", def.Source.Branch)

	head, err := p.heads.Head(ctx, def)
	if err != nil {
		logger.Warn("failed to read branch head", "error", err)
		return
	}

	last, err := p.latestRevision(ctx, def.ID)
	if err != nil {
		logger.Error("failed to read run history", "error", err)
		return
	}
	if head == last || head == p.lastStarted(def.ID) {
		return
	}

	runID, err := p.runs.Start(ctx, def.ID, pipeline.Trigger{
		Branch:   def.Source.Branch,
		Revision: head,
		Source:   pipeline.TriggerPoller,
	})
	var conflict *pipeline.ConcurrentRunError
	if errors.As(err, &conflict) {
		// Retried on the next tick.
		logger.Info("run in progress, deferring", "revision", head, "active_run_id", conflict.ActiveRunID)
		return
	}
	if err != nil {
		logger.Error("failed to start run", "revision", head, "error", err)
		return
	}
	p.markStarted(def.ID, head)
	logger.Info("branch moved, run started", "previous", last, "revision", head, "run_id", runID)
}

// latestRevision returns the revision of the newest run that resolved one.
func (p *SourcePoller) latestRevision(ctx context.Context, pipelineID string) (string, error) {
	runs, err := p.store.ListRuns(ctx, pipelineID, store.ListOptions{Limit: 20})
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.Revision != "" {
			return r.Revision, nil
		}
	}
	return "", nil
}

func (p *SourcePoller) lastStarted(pipelineID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[pipelineID]
}

func (p *SourcePoller) markStarted(pipelineID, revision string) {
	p.mu.Lock()
	p.started[pipelineID] = revision
	p.mu.Unlock()
}
