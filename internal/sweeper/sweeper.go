// Package sweeper runs the hub's background maintenance cycle: lease
// reclamation, TTL expiry, ephemeral purging, terminal-record cleanup,
// round-table expiry and agent presence refresh.
package sweeper

import (
	"context"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/agentdispatch/admp-hub/internal/clock"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/metrics"
	"github.com/agentdispatch/admp-hub/internal/store"
)

// Store is the persistence surface the sweeper drives.
type Store interface {
	ExpireLeases(ctx context.Context, nowMS int64) (int, error)
	ExpireMessages(ctx context.Context, nowMS int64) (int, error)
	PurgeExpiredEphemeral(ctx context.Context, nowMS int64) (int, error)
	CleanupTerminal(ctx context.Context, nowMS, retentionMS int64) (int, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Tables expires overdue round-table sessions.
type Tables interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Agents refreshes advisory presence.
type Agents interface {
	RefreshStatuses(ctx context.Context) (int, error)
}

// Limiters is anything holding per-caller state that goes stale.
type Limiters interface {
	CleanupLimiter()
}

// Result counts what one sweep cycle touched.
type Result struct {
	Leases    int
	Expired   int
	Ephemeral int
	Terminal  int
	Tables    int
	Presence  int
	Errors    []error
}

// Sweeper runs maintenance cycles at the configured cadence.
type Sweeper struct {
	store     Store
	tables    Tables
	agents    Agents
	limiters  Limiters
	bus       *events.Bus
	clk       clock.Clock
	log       *logging.Logger
	interval  time.Duration
	schedule  cron.Schedule
	retention time.Duration
	textfile  string
	triggerCh chan struct{}
	lastSweep time.Time
}

// Options configures a Sweeper. Schedule, when set, overrides Interval.
type Options struct {
	Store     Store
	Tables    Tables
	Agents    Agents
	Limiters  Limiters
	Bus       *events.Bus
	Clock     clock.Clock
	Log       *logging.Logger
	Interval  time.Duration
	Schedule  string
	Retention time.Duration
	Textfile  string // optional node_exporter textfile path
}

// New creates a Sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	s := &Sweeper{
		store:     opts.Store,
		tables:    opts.Tables,
		agents:    opts.Agents,
		limiters:  opts.Limiters,
		bus:       opts.Bus,
		clk:       opts.Clock,
		log:       opts.Log,
		interval:  opts.Interval,
		retention: opts.Retention,
		textfile:  opts.Textfile,
		triggerCh: make(chan struct{}, 1),
	}
	if opts.Schedule != "" {
		sched, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, err
		}
		s.schedule = sched
	}
	return s, nil
}

// Run performs an initial sweep immediately, then sweeps at every cadence
// tick. Exits when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("starting initial sweep")
	s.sweepAndLog(ctx)

	for {
		select {
		case <-s.clk.After(s.nextWait()):
			s.sweepAndLog(ctx)
		case <-s.triggerCh:
			s.log.Info("starting manual sweep")
			s.sweepAndLog(ctx)
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		}
	}
}

// Trigger requests an immediate sweep outside the normal cadence.
// Non-blocking; coalesces with a pending trigger.
func (s *Sweeper) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// LastSweepTime returns when the last sweep completed.
func (s *Sweeper) LastSweepTime() time.Time {
	return s.lastSweep
}

// Sweep runs one maintenance cycle. Passes run in lifecycle order so a
// record freed by an earlier pass is visible to later ones. Pass errors
// are collected, not fatal; the remaining passes still run.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	started := s.clk.Now()
	nowMS := clock.MS(started)
	var res Result

	res.Leases = s.pass(&res, "leases", func() (int, error) {
		return s.store.ExpireLeases(ctx, nowMS)
	})
	res.Expired = s.pass(&res, "ttl", func() (int, error) {
		return s.store.ExpireMessages(ctx, nowMS)
	})
	// ExpireMessages reports a count, so the events carry no message ids.
	if s.bus != nil {
		for i := 0; i < res.Expired; i++ {
			s.bus.Publish(events.Event{Type: events.EventMessageExpired, Timestamp: started})
		}
	}
	res.Ephemeral = s.pass(&res, "ephemeral", func() (int, error) {
		return s.store.PurgeExpiredEphemeral(ctx, nowMS)
	})
	if s.retention > 0 {
		res.Terminal = s.pass(&res, "terminal", func() (int, error) {
			return s.store.CleanupTerminal(ctx, nowMS, s.retention.Milliseconds())
		})
	}
	if s.tables != nil {
		res.Tables = s.pass(&res, "tables", func() (int, error) {
			return s.tables.ExpireDue(ctx)
		})
	}
	if s.agents != nil {
		res.Presence = s.pass(&res, "presence", func() (int, error) {
			return s.agents.RefreshStatuses(ctx)
		})
	}
	if s.limiters != nil {
		s.limiters.CleanupLimiter()
	}

	s.updateGauges(ctx)
	metrics.SweepDuration.Observe(s.clk.Since(started).Seconds())
	s.lastSweep = s.clk.Now()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventSweepCompleted,
			Timestamp: s.lastSweep,
		})
	}
	if s.textfile != "" {
		if err := metrics.WriteTextfile(s.textfile); err != nil {
			s.log.Warn("textfile export failed", "path", s.textfile, "error", err)
		}
	}
	return res
}

func (s *Sweeper) pass(res *Result, name string, fn func() (int, error)) int {
	n, err := fn()
	if err != nil {
		s.log.Warn("sweep pass failed", "pass", name, "error", err)
		res.Errors = append(res.Errors, err)
		return n
	}
	if n > 0 {
		metrics.SweepReclaimed.WithLabelValues(name).Add(float64(n))
	}
	return n
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.log.Warn("stats refresh failed", "error", err)
		return
	}
	metrics.AgentsRegistered.Set(float64(stats.Agents))
	metrics.GroupsTotal.Set(float64(stats.Groups))
	metrics.RoundTablesTotal.Set(float64(stats.RoundTables))
	for status, n := range stats.Messages {
		metrics.InboxDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	res := s.Sweep(ctx)
	s.log.Info("sweep complete",
		"leases", res.Leases,
		"expired", res.Expired,
		"ephemeral", res.Ephemeral,
		"terminal", res.Terminal,
		"tables", res.Tables,
		"presence", res.Presence,
		"errors", len(res.Errors),
	)
}

// nextWait returns the time to the next cadence tick: the cron schedule's
// next fire when configured, otherwise the fixed interval.
func (s *Sweeper) nextWait() time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	now := s.clk.Now()
	d := s.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}
