package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// DefaultPollInterval is how often the dispatcher scans for due work.
const DefaultPollInterval = 5 * time.Second

// Runner is the slice of the engine the dispatcher drives.
// Satisfied by engine.Engine (avoids import cycle with the engine's stores).
type Runner interface {
	Start(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID, bookmarkName string, input map[string]any) error
	Run(ctx context.Context, workflowID string, input map[string]any) (string, error)
}

// Config holds dispatcher configuration. Zero values are defaulted.
type Config struct {
	PollInterval time.Duration
	PoolSize     int
	Logger       *slog.Logger
}

// Dispatcher is the background loop that turns persisted future work into
// engine calls: due timers become resumes, due scheduled-start instances are
// started, and enabled cron triggers spawn fresh instances. Engine calls run
// through a bounded worker pool; an in-flight set per instance prevents the
// same work being dispatched twice while a previous call is still running.
type Dispatcher struct {
	definitions store.DefinitionStore
	instances   store.InstanceStore
	timers      store.TimerStore
	runner      Runner

	parser cron.Parser
	pool   *WorkerPool
	logger *slog.Logger
	poll   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	// lastRun tracks cron trigger firings per definition id so one due slot
	// fires once per dispatcher, not once per tick.
	lastRunMu sync.Mutex
	lastRun   map[string]time.Time
}

// New creates a Dispatcher over the given stores and runner.
func New(defs store.DefinitionStore, insts store.InstanceStore, timers store.TimerStore, runner Runner, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		definitions: defs,
		instances:   insts,
		timers:      timers,
		runner:      runner,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pool:        NewWorkerPool(cfg.PoolSize),
		logger:      cfg.Logger,
		poll:        cfg.PollInterval,
		inflight:    make(map[string]struct{}),
		lastRun:     make(map[string]time.Time),
	}
}

// Start launches the background polling loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", slog.Duration("poll_interval", d.poll))
	return nil
}

// Stop gracefully shuts down the dispatcher, waiting for in-flight work.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.pool.Shutdown()
	d.cancel = nil
	d.done = nil

	d.logger.Info("dispatcher stopped")
	return nil
}

// Metrics returns the worker pool counters.
func (d *Dispatcher) Metrics() PoolMetrics { return d.pool.Metrics() }

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	// Run an initial tick immediately.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one scan over all three work sources. Exported so callers can
// drive the dispatcher manually without the background loop.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := time.Now().UTC()
	d.dispatchTimers(ctx, now)
	d.dispatchScheduledStarts(ctx, now)
	d.dispatchCronTriggers(ctx, now)
}

// dispatchTimers resumes instances whose timers are due. A timer is marked
// triggered before the resume so a crash between the two loses at most one
// firing instead of repeating it.
func (d *Dispatcher) dispatchTimers(ctx context.Context, now time.Time) {
	due, err := d.timers.DueTimers(ctx, now)
	if err != nil {
		d.logger.Error("list due timers failed", slog.String("error", err.Error()))
		return
	}

	for _, timer := range due {
		if !d.tryAcquire(timer.InstanceID) {
			continue
		}

		t := timer
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			defer d.release(t.InstanceID)

			if err := d.timers.MarkTriggered(ctx, t.ID); err != nil {
				d.logger.Error("mark timer triggered failed",
					slog.String("timer_id", t.ID),
					slog.String("error", err.Error()),
				)
				return err
			}
			if err := d.runner.Resume(ctx, t.InstanceID, t.BookmarkName, nil); err != nil {
				d.logger.Error("timer resume failed",
					slog.String("instance_id", t.InstanceID),
					slog.String("bookmark", t.BookmarkName),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil {
			d.release(t.InstanceID)
			if err == ErrPoolShutdown {
				return
			}
		}
	}
}

// dispatchScheduledStarts starts pending instances whose scheduled start
// time has passed.
func (d *Dispatcher) dispatchScheduledStarts(ctx context.Context, now time.Time) {
	due, err := d.instances.FindScheduled(ctx, now)
	if err != nil {
		d.logger.Error("list scheduled instances failed", slog.String("error", err.Error()))
		return
	}

	for _, inst := range due {
		if !d.tryAcquire(inst.ID) {
			continue
		}

		id := inst.ID
		err := d.pool.Submit(ctx, func(ctx context.Context) error {
			defer d.release(id)

			if err := d.runner.Start(ctx, id); err != nil {
				d.logger.Error("scheduled start failed",
					slog.String("instance_id", id),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil {
			d.release(id)
			if err == ErrPoolShutdown {
				return
			}
		}
	}
}

// dispatchCronTriggers creates and starts instances for definitions whose
// enabled scheduled trigger has a due cron slot.
func (d *Dispatcher) dispatchCronTriggers(ctx context.Context, now time.Time) {
	defs, err := d.definitions.FindByTriggerKind(ctx, schema.TriggerScheduled)
	if err != nil {
		d.logger.Error("list scheduled definitions failed", slog.String("error", err.Error()))
		return
	}

	for _, def := range defs {
		for _, trg := range def.Triggers {
			if trg.Kind != schema.TriggerScheduled || !trg.Enabled || trg.Cron == "" {
				continue
			}
			if !d.cronDue(def.ID, trg.Cron, now) {
				continue
			}

			workflowID := def.ID
			err := d.pool.Submit(ctx, func(ctx context.Context) error {
				instanceID, err := d.runner.Run(ctx, workflowID, nil)
				if err != nil {
					d.logger.Error("cron trigger run failed",
						slog.String("workflow_id", workflowID),
						slog.String("error", err.Error()),
					)
					return err
				}
				d.logger.Info("cron trigger fired",
					slog.String("workflow_id", workflowID),
					slog.String("instance_id", instanceID),
				)
				return nil
			})
			if err == ErrPoolShutdown {
				return
			}
			break // one firing per definition per tick
		}
	}
}

// cronDue reports whether the cron expression has a slot between the last
// recorded firing and now, recording now as the new firing time when it does.
func (d *Dispatcher) cronDue(defID, cronExpr string, now time.Time) bool {
	schedule, err := d.parser.Parse(cronExpr)
	if err != nil {
		d.logger.Error("invalid trigger cron",
			slog.String("workflow_id", defID),
			slog.String("cron", cronExpr),
			slog.String("error", err.Error()),
		)
		return false
	}

	d.lastRunMu.Lock()
	defer d.lastRunMu.Unlock()

	last, ok := d.lastRun[defID]
	if !ok {
		// First sighting: anchor to now so old slots do not replay.
		d.lastRun[defID] = now
		return false
	}

	if next := schedule.Next(last); !next.After(now) {
		d.lastRun[defID] = now
		return true
	}
	return false
}

// tryAcquire marks an instance as in-flight, or reports it already is.
func (d *Dispatcher) tryAcquire(instanceID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[instanceID]; ok {
		return false
	}
	d.inflight[instanceID] = struct{}{}
	return true
}

func (d *Dispatcher) release(instanceID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, instanceID)
}
