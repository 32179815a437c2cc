package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"jobqueue/internal/config"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/jobqueue"
	"jobqueue/internal/observability/diag"
	"jobqueue/internal/recorder"
	"jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/storage"
	"jobqueue/internal/trigger"
	logx "jobqueue/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	queue *jobqueue.Queue
	rec   *recorder.Recorder
	trig  *trigger.Service
	diag  *diag.Server

	// The recorder outlives the supervisor context so it can journal the
	// jobs settled while the queue drains.
	recCancel context.CancelFunc
	recDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := jobqueue.New(qc, log.With(logx.String("comp", "jobqueue")), bus)

	var rec *recorder.Recorder
	if store != nil {
		rec = recorder.New(store, bus, log.With(logx.String("comp", "recorder")))
	}

	trig := trigger.New(q, log.With(logx.String("comp", "trigger")))
	workloads, err := mapWorkloads(cfg)
	if err != nil {
		return nil, err
	}
	if err := trig.Apply(cfg.Timezone, workloads); err != nil {
		return nil, err
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
		queue: q,
		rec:   rec,
		trig:  trig,
		diag:  diag.New(dc, log.With(logx.String("comp", "diag"))),
	}
	a.registerStatus()
	return a, nil
}

const recentOutcomesLimit = 100

func (a *App) registerStatus() {
	a.diag.Handle("queue", func(context.Context) (any, error) {
		return a.queue.Snapshot(), nil
	})
	a.diag.Handle("workloads", func(context.Context) (any, error) {
		return a.trig.Workloads(), nil
	})
	a.diag.Handle("eventbus", func(context.Context) (any, error) {
		return a.bus.Stats(), nil
	})
	a.diag.Handle("tasks", func(context.Context) (any, error) {
		if a.sup == nil {
			return []supervisor.TaskStats{}, nil
		}
		return a.sup.Tasks(), nil
	})
	if a.store != nil {
		a.diag.Handle("outcomes", func(ctx context.Context) (any, error) {
			return a.store.RecentOutcomes(ctx, recentOutcomesLimit)
		})
	}
	if a.rec != nil {
		a.diag.Handle("recorder", func(context.Context) (any, error) {
			return a.rec.Stats(), nil
		})
	}
}

func (a *App) Queue() *jobqueue.Queue { return a.queue }

func (a *App) Workloads() []trigger.WorkloadStats { return a.trig.Workloads() }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.rec != nil {
		recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.recCancel = cancel
		a.recDone = make(chan struct{})
		a.sup.Go("recorder", func(context.Context) error {
			defer close(a.recDone)
			return a.rec.Run(recCtx)
		})
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.trig.Start(a.sup.Context())
	a.diag.Start(a.sup.Context())

	snap := a.queue.Snapshot()
	a.log.Info("app started",
		logx.Int("max_concurrency", snap.ConcurrencyLimit),
		logx.Int("rate_limit", snap.RateLimit),
		logx.Duration("rate_window", snap.RateWindow),
		logx.Duration("timeout", snap.Timeout),
		logx.Int("workloads", len(a.trig.Workloads())),
	)
	return nil
}

// applyConfig pushes a validated reload into the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	if qc, err := mapQueueConfig(next); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else if err := a.queue.Apply(qc); err != nil {
		a.log.Warn("queue config rejected; keeping previous", logx.Err(err))
	}

	if ws, err := mapWorkloads(next); err != nil {
		a.log.Warn("invalid load config; keeping previous", logx.Err(err))
	} else if err := a.trig.Apply(next.Timezone, ws); err != nil {
		a.log.Warn("load config rejected; keeping previous", logx.Err(err))
	}

	if dc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else if a.sup != nil {
		rctx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
		if err := a.diag.Reconfigure(rctx, dc); err != nil {
			a.log.Warn("diagnostics reconfigure failed", logx.Err(err))
		}
		cancel()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	switch data := e.Data.(type) {
	case jobqueue.ThrottleEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.Int("backlog", data.Backlog), logx.Duration("wait", data.Wait))
	case jobqueue.JobEvent:
		a.log.Trace("event", logx.String("type", e.Type), logx.String("job", data.Name), logx.Uint64("seq", data.Seq))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// Stop shuts down in dependency order: triggers, queue, recorder, storage.
// Running jobs get until ctx is done to settle.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
				logx.Err(stepCtx.Err()),
			)
		}
	}

	step("diag", time.Second, a.diag.Stop)
	step("trigger", 2*time.Second, a.trig.Stop)
	step("queue", 0, func(c context.Context) error {
		a.queue.Dispose()
		return a.queue.Drain(c)
	})
	if a.rec != nil {
		step("recorder", 4*time.Second, func(c context.Context) error {
			a.recCancel()
			select {
			case <-a.recDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	snap := a.queue.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("enqueued", snap.Enqueued),
		logx.Uint64("succeeded", snap.Succeeded),
		logx.Uint64("failed", snap.Failed),
		logx.Uint64("timed_out", snap.TimedOut),
		logx.Uint64("rejected", snap.Rejected),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// boundedContext caps ctx at max without ever extending its deadline.
// max <= 0 means ctx's own deadline only.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
