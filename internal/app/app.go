package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifbot/internal/config"
	"notifbot/internal/dispatch"
	"notifbot/internal/escalate"
	"notifbot/internal/eventbus"
	"notifbot/internal/intake"
	"notifbot/internal/queue"
	rtsup "notifbot/internal/runtime/supervisor"
	"notifbot/internal/sender"
	"notifbot/internal/source"
	"notifbot/internal/storage"
	"notifbot/internal/worker"
	logx "notifbot/pkg/logx"
)

// StopReason is attached to shutdown logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

// App wires the pipeline: storage, dispatch records, queue, intake, senders,
// workers, sources and the retention sweep.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	kv      storage.Store
	store   *dispatch.Store
	queue   *queue.Queue
	intake  *intake.Intake
	pool    *worker.Pool
	esc     escalate.Escalator
	sources []source.Source

	retention     *cron.Cron
	retentionAge  time.Duration
	retentionCron string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened",
		logx.String("driver", orDefault(sc.Driver, "file")),
		logx.String("path", sc.Path))

	store := dispatch.NewStore(kv, log.With(logx.String("comp", "dispatch")))

	qopts, err := mapQueueOptions(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(store, bus, log.With(logx.String("comp", "queue")), qopts)

	iopts, err := mapIntakeOptions(cfg)
	if err != nil {
		return nil, err
	}
	ik := intake.New(store, q, bus, log.With(logx.String("comp", "intake")), iopts)

	reg, router, err := buildSenders(cfg, log)
	if err != nil {
		return nil, err
	}

	esc, err := buildEscalator(cfg, log)
	if err != nil {
		return nil, err
	}

	wopts, err := mapWorkerOptions(cfg)
	if err != nil {
		return nil, err
	}
	pool := worker.NewPool(q, store, reg, router, esc, bus,
		log.With(logx.String("comp", "worker")), wopts)

	sources, err := buildSources(cfg, log)
	if err != nil {
		return nil, err
	}

	maxAge, spec, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		kv:            kv,
		store:         store,
		queue:         q,
		intake:        ik,
		pool:          pool,
		esc:           esc,
		sources:       sources,
		retentionAge:  maxAge,
		retentionCron: spec,
	}, nil
}

func buildSenders(cfg *config.Config, log logx.Logger) (*sender.Registry, worker.Router, error) {
	reg := sender.NewRegistry()
	defaultChannel := strings.TrimSpace(cfg.Routes.DefaultChannel)

	if cfg.Telegram.Enabled {
		tg, err := sender.NewTelegram(sender.TelegramConfig{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, log.With(logx.String("comp", "sender.telegram")))
		if err != nil {
			return nil, worker.Router{}, fmt.Errorf("telegram sender: %w", err)
		}
		reg.Register(tg)
		if defaultChannel == "" {
			defaultChannel = tg.Name()
		}
	}
	if cfg.Webhook.Enabled {
		timeout, err := config.ParseDurationField("webhook.timeout", cfg.Webhook.Timeout)
		if err != nil {
			return nil, worker.Router{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		wh, err := sender.NewWebhook(sender.WebhookConfig{
			Endpoint: cfg.Webhook.Endpoint,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "sender.webhook")))
		if err != nil {
			return nil, worker.Router{}, fmt.Errorf("webhook sender: %w", err)
		}
		reg.Register(wh)
		if defaultChannel == "" {
			defaultChannel = wh.Name()
		}
	}

	router := worker.Router{
		Default:  defaultChannel,
		BySource: cfg.Routes.BySource,
		ByKind:   map[string]string{},
	}
	for _, sc := range cfg.Sources.Schedule {
		if sc.Channel != "" {
			router.ByKind["schedule/"+sc.Name] = sc.Channel
		}
	}

	// Every routable channel must have a sender behind it.
	for _, ch := range router.BySource {
		if _, err := reg.Lookup(ch); err != nil {
			return nil, worker.Router{}, invalidf("routes.by_source: %v", err)
		}
	}
	for _, ch := range router.ByKind {
		if _, err := reg.Lookup(ch); err != nil {
			return nil, worker.Router{}, invalidf("sources.schedule channel: %v", err)
		}
	}
	if _, err := reg.Lookup(router.Default); err != nil {
		return nil, worker.Router{}, invalidf("routes.default_channel: %v", err)
	}
	return reg, router, nil
}

func buildEscalator(cfg *config.Config, log logx.Logger) (escalate.Escalator, error) {
	elog := log.With(logx.String("comp", "escalate"))
	if strings.TrimSpace(cfg.Escalation.Endpoint) == "" {
		return escalate.LogOnly{Log: elog}, nil
	}
	timeout, err := config.ParseDurationField("escalation.timeout", cfg.Escalation.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	esc, err := escalate.NewWebhook(cfg.Escalation.Endpoint, timeout, elog)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return esc, nil
}

func buildSources(cfg *config.Config, log logx.Logger) ([]source.Source, error) {
	var out []source.Source
	if cfg.Sources.Spool.Enabled {
		sp, err := source.NewSpool(cfg.Sources.Spool.Dir, log.With(logx.String("comp", "source.spool")))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		out = append(out, sp)
	}
	entries, err := mapScheduleEntries(cfg)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		sch, err := source.NewSchedule(entries, log.With(logx.String("comp", "source.schedule")))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		out = append(out, sch)
	}
	return out, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Recovery before anything leases: clear stale leases, drop orphans,
	// rebuild the in-memory index.
	rep, err := a.store.Recover(a.sup.Context())
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	for _, id := range rep.Orphans {
		a.esc.Notify(a.sup.Context(), id, escalate.ReasonOrphan,
			"queue entry without notification record found at startup")
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeOrphanEntry, Data: map[string]string{"notification_id": id}})
	}
	if foreign, err := a.store.CheckIntegrity(a.sup.Context()); err != nil {
		return fmt.Errorf("integrity scan: %w", err)
	} else if len(foreign) > 0 {
		a.log.Error("store contains foreign keys", logx.Any("keys", foreign))
		a.esc.Notify(a.sup.Context(), "", escalate.ReasonCorruption,
			fmt.Sprintf("%d keys outside known namespaces", len(foreign)))
	}
	a.queue.Load(rep.Entries)
	a.log.Info("recovery complete",
		logx.Int("pending", len(rep.Entries)),
		logx.Int("leases_released", rep.Released),
		logx.Int("orphans", len(rep.Orphans)))

	a.sup.Go("queue.sweep", func(c context.Context) error {
		return a.queue.Run(c)
	})

	a.pool.Start(a.sup)

	submit := func(c context.Context, ev intake.RawEvent) error {
		_, err := a.intake.Submit(c, ev)
		return err
	}
	for _, src := range a.sources {
		src := src
		a.sup.GoRestart("source."+src.Name(), func(c context.Context) error {
			return src.Run(c, submit)
		},
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	a.startRetention()

	a.sup.Go0("queue.stats", func(c context.Context) {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if d := a.queue.Depth(); len(d) > 0 {
					a.log.Info("queue depth", logx.Any("by_source", d))
				}
			}
		}
	})

	// Debug visibility into pipeline events.
	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// Hot reload: logging applies live; pipeline sizing needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	// The rest of the pipeline is constructed once; changing it needs a
	// restart so leases and in-flight sends are never yanked mid-run.
	a.log.Info("config reloaded (logging applied; pipeline changes need restart)")
}

func (a *App) startRetention() {
	c := cron.New()
	_, err := c.AddFunc(a.retentionCron, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		now := time.Now().UTC()
		if _, err := a.store.Purge(ctx, now.Add(-a.retentionAge), now); err != nil {
			a.log.Error("retention purge failed", logx.Err(err))
		}
	})
	if err != nil {
		// Spec already validated; this is unreachable short of a library change.
		a.log.Error("register retention sweep", logx.Err(err))
		return
	}
	c.Start()
	a.retention = c
	a.log.Info("retention sweep scheduled",
		logx.String("spec", a.retentionCron),
		logx.Duration("max_age", a.retentionAge))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("retention", time.Second, func(c context.Context) error {
		if a.retention == nil {
			return nil
		}
		select {
		case <-a.retention.Stop().Done():
		case <-c.Done():
		}
		return nil
	})

	// Sources and workers unwind on the canceled supervisor context.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 2*time.Second, func(_ context.Context) error { return a.kv.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
