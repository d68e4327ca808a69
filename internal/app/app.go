// Package app wires configuration, storage, per-instance adapters and the
// notification services into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"catalogbot/internal/catalog"
	"catalogbot/internal/config"
	"catalogbot/internal/eventbus"
	"catalogbot/internal/media"
	"catalogbot/internal/notifier"
	"catalogbot/internal/ratelimit"
	"catalogbot/internal/runtime/supervisor"
	"catalogbot/internal/storage"
	"catalogbot/internal/subscriber"
	kit "catalogbot/internal/transport"
	"catalogbot/internal/transport/telegram"
	logx "catalogbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapters  map[kit.InstanceID]*telegram.Adapter
	forwarder *media.RelayForwarder
	resolver  *media.Resolver
	registry  *subscriber.Registry
	limiter   *ratelimit.Limiter
	notif     *notifier.Service

	cronRunner *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging service. Bootstrap with the Telegram sink disabled so Apply()
	// doesn't warn before a sender and target are wired, then re-Apply.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, nil)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// One adapter per configured front-end instance. The first instance is
	// also the Telegram log sink.
	adapters := make(map[kit.InstanceID]*telegram.Adapter, len(cfg.Instances))
	forwarder := media.NewRelayForwarder(log.With(logx.String("comp", "relay")))
	for i, in := range cfg.Instances {
		pollTimeout, err := config.ParseDurationOrDefault(
			fmt.Sprintf("instances[%d].poll_timeout", i), in.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Instance:    kit.InstanceID(in.Name),
			Token:       in.Token,
			PollTimeout: pollTimeout,
			RelayChatID: in.RelayChatID,
		}, log.With(logx.String("comp", "telegram"), logx.String("instance", in.Name)))
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", in.Name, err)
		}
		adapters[ad.Instance()] = ad
		forwarder.RegisterInstance(ad.Instance(), ad, ad, kit.ChatTarget{ChatID: in.RelayChatID})
		if i == 0 {
			logSvc.SetTelegramSender(ad)
			if cfg.Logging.Telegram.ChatID != 0 {
				logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
			}
		}
	}
	logSvc.Apply(mapLogConfig(cfg))

	registry := subscriber.New(store, log.With(logx.String("comp", "registry")))
	limiter := ratelimit.New()
	resolver := media.NewResolver(store, forwarder, log.With(logx.String("comp", "resolver")))

	senders := make(map[kit.InstanceID]kit.Sender, len(adapters))
	for id, ad := range adapters {
		senders[id] = ad
	}
	notifSvc := notifier.New(mapNotifyConfig(cfg), registry, limiter, resolver, senders,
		store, notifier.NopTranslator{}, log.With(logx.String("comp", "notifier")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapters:  adapters,
		forwarder: forwarder,
		resolver:  resolver,
		registry:  registry,
		limiter:   limiter,
		notif:     notifSvc,
	}, nil
}

// Registry exposes the subscriber registry for operator tooling.
func (a *App) Registry() *subscriber.Registry { return a.registry }

// Store exposes the persistence layer for operator tooling.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// PublishEntry persists an entry and announces it on the bus. The notifier
// picks it up and runs the fan-out pass.
func (a *App) PublishEntry(ctx context.Context, e catalog.Entry) (catalog.EntryID, error) {
	if !e.Categorized() {
		return 0, fmt.Errorf("entry has no category; not notifiable")
	}
	id, err := a.store.PutEntry(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("put entry: %w", err)
	}
	e.ID = id
	a.bus.Publish(eventbus.Event{Type: catalog.EventEntryPublished, Data: e})
	return id, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	for id, ad := range a.adapters {
		if err := ad.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start adapter %s: %w", id, err)
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context(), a.bus)
	}

	a.startMaintenance()
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("instances", len(a.adapters)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	if a.cronRunner != nil {
		stopCtx := a.cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	a.notif.Stop(ctx)
	for id, ad := range a.adapters {
		if err := ad.Stop(ctx); err != nil {
			a.log.Warn("adapter stop error", logx.String("instance", string(id)), logx.Err(err))
		}
	}
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervisor wait", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// startMaintenance schedules the periodic sweeps: rate-window eviction, pass
// status pruning and delivery-audit retention.
func (a *App) startMaintenance() {
	cfg := a.cfgm.Get()
	schedule := strings.TrimSpace(cfg.Maintenance.Schedule)
	if schedule == "" {
		schedule = "@every 1h"
	}
	retention, err := config.ParseDurationOrDefault(
		"maintenance.audit_retention", cfg.Maintenance.AuditRetention, 30*24*time.Hour)
	if err != nil {
		retention = 30 * 24 * time.Hour
	}

	log := a.log.With(logx.String("comp", "maintenance"))
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		ncfg := mapNotifyConfig(a.cfgm.Get())
		swept := a.limiter.Sweep(ncfg.PerSubscriberWindow)
		a.notif.PruneStatuses(time.Now())
		pruned, err := a.store.PruneDeliveryAudit(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("audit prune failed", logx.Err(err))
		}
		log.Debug("maintenance sweep done",
			logx.Int("rate_windows_evicted", swept),
			logx.Int64("audit_rows_pruned", pruned))
	})
	if err != nil {
		log.Warn("invalid maintenance schedule; job disabled",
			logx.String("schedule", schedule), logx.Err(err))
		return
	}
	c.Start()
	a.cronRunner = c
	log.Debug("maintenance scheduled", logx.String("schedule", schedule))
}

// startConfigReload consumes hot-reloaded configs and applies the sections
// that support live updates (logging, notify). Storage and instance changes
// need a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" || s == "instances" {
						a.log.Warn("config section changed; restart required",
							logx.String("section", s))
					}
				}

				if newCfg.Logging.Telegram.ChatID != 0 {
					a.logs.SetTelegramTarget(newCfg.Logging.Telegram.ChatID, newCfg.Logging.Telegram.ThreadID)
				} else {
					a.logs.SetTelegramTarget(0, 0)
				}
				a.logs.Apply(mapLogConfig(newCfg))

				prevEnabled := a.notif.Enabled()
				ncfg := mapNotifyConfig(newCfg)
				a.notif.Apply(ncfg)
				if prevEnabled && !ncfg.Enabled {
					a.log.Info("notifier disabled via config")
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.notif.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && ncfg.Enabled {
					a.log.Info("notifier enabled via config")
					a.notif.Start(c, a.bus)
				}

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
			}
		}
	})
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func mapNotifyConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:             cfg.Notify.Enabled,
		Workers:             cfg.Notify.Workers,
		RatePerSec:          cfg.Notify.RatePerSec,
		PerSubscriberLimit:  cfg.Notify.PerUserLimit,
		PerSubscriberWindow: cfg.Notify.PerUserWindowOr(time.Hour),
		NoNotifyCategories:  cfg.Notify.NoNotifyCategories,
		ExcludeIDs:          cfg.Notify.AdminIDs,
		StatusMax:           cfg.Notify.StatusMax,
		StatusTTL:           cfg.Notify.StatusTTLOr(24 * time.Hour),
	}
}
