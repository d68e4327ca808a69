// Package notifier fans a newly published catalog entry out to every
// eligible subscriber, gated by the per-subscriber rate window and delivered
// through a bounded worker pool.
package notifier

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"catalogbot/internal/catalog"
	"catalogbot/internal/eventbus"
	"catalogbot/internal/ratelimit"
	"catalogbot/internal/storage"
	"catalogbot/internal/subscriber"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

const eventBuffer = 64

func New(cfg Config, registry *subscriber.Registry, limiter *ratelimit.Limiter, resolver MediaResolver, senders map[kit.InstanceID]kit.Sender, store storage.Store, trans Translator, log logx.Logger) *Service {
	if trans == nil {
		trans = NopTranslator{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		resolver: resolver,
		senders:  senders,
		trans:    trans,
		store:    store,
		log:      log,
		pacer:    rate.NewLimiter(rate.Limit(cfg.ratePerSec()), cfg.ratePerSec()),
		status:   map[string]*PassStatus{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.pacer = rate.NewLimiter(rate.Limit(cfg.ratePerSec()), cfg.ratePerSec())
}

// Start subscribes to the event bus and begins consuming published-entry
// events. The per-pass worker pool is created per fan-out, not here.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	// If a Stop() is in progress, wait for it to complete (prevents double consume loops).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	events, unsubscribe := bus.Subscribe(eventBuffer)
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		defer unsubscribe()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in notifier consume loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.consume(runCtx, stopCh, events)
	}()

	s.log.Info("service started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.Int("workers", s.cfg.workers()),
		logx.Int("rps", s.cfg.ratePerSec()))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.loopWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (s *Service) consume(ctx context.Context, stopCh <-chan struct{}, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case e := <-events:
			if e.Type != catalog.EventEntryPublished {
				continue
			}
			entry, ok := e.Data.(catalog.Entry)
			if !ok {
				s.log.Warn("published event carries unexpected payload", logx.Any("data", e.Data))
				continue
			}
			if !s.Enabled() {
				s.log.Debug("notifications disabled, entry skipped", logx.Int64("entry_id", int64(entry.ID)))
				continue
			}
			res, err := s.NotifyNewEntry(ctx, entry)
			if err != nil {
				s.log.Error("fan-out pass failed", logx.Int64("entry_id", int64(entry.ID)), logx.Err(err))
				continue
			}
			s.log.Info("fan-out pass finished",
				logx.Int64("entry_id", int64(entry.ID)),
				logx.Int("recipients", res.Recipients),
				logx.Int("delivered", res.Delivered),
				logx.Int("rate_limited", res.RateLimited),
				logx.Int("resolution_failed", res.ResolutionFailed),
				logx.Int("send_failed", res.SendFailed))
		}
	}
}
