// Package stats keeps the transfer counters of running tunnels fresh.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/tunnel"
)

// DefaultInterval is used when the configured interval is under a second.
const DefaultInterval = 10 * time.Second

// Source is the part of tunnel.Manager the refresher reads from.
type Source interface {
	Tunnels() *async.Future[*tunnel.List]
	RefreshStatistics(ctx context.Context, t *tunnel.Tunnel) *async.Future[model.Statistics]
	Resync(ctx context.Context) error
}

// Refresher periodically pulls statistics for every tunnel that is up. Each
// run also resyncs tunnel states, so a long-running daemon sees tunnels other
// processes brought up or down.
type Refresher struct {
	src      Source
	interval time.Duration
	cron     *cron.Cron
	log      *slog.Logger
}

// New builds a refresher; logger may be nil.
func New(src Source, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval < time.Second {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats")
	cl := cronLogger{logger}
	return &Refresher{
		src:      src,
		interval: interval,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:      logger,
	}
}

// RefreshOnce reconciles tunnel states with the backend, then refreshes
// every running tunnel and waits for the results.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	list, err := r.src.Tunnels().Await(ctx)
	if err != nil {
		return err
	}
	var errs []error
	if err := r.src.Resync(ctx); err != nil {
		errs = append(errs, err)
	}
	type pending struct {
		name string
		fut  *async.Future[model.Statistics]
	}
	var inflight []pending
	for _, t := range list.All() {
		if t.State() != model.StateUp {
			continue
		}
		inflight = append(inflight, pending{t.Name(), r.src.RefreshStatistics(ctx, t)})
	}
	for _, p := range inflight {
		if _, err := p.fut.Await(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Start schedules RefreshOnce every interval until Stop.
func (r *Refresher) Start() {
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		defer cancel()
		if err := r.RefreshOnce(ctx); err != nil {
			r.log.Debug("statistics refresh failed", "error", err)
		}
	}))
	r.cron.Start()
}

// Stop unschedules the job and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Warn(msg, append(kv, "error", err)...)
}
