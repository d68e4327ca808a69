package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalogbot/internal/catalog"
	"catalogbot/internal/storage"
	"catalogbot/internal/subscriber"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

// NotifyNewEntry fans one published entry out to all eligible subscribers.
//
// Entries in a no-notify category return a zero result without touching the
// registry. Per-subscriber failures never abort the pass; they are counted
// in the aggregate result. An error is returned only for pass-level
// infrastructure failures (registry listing unavailable).
func (s *Service) NotifyNewEntry(ctx context.Context, entry catalog.Entry) (DeliveryResult, error) {
	s.mu.Lock()
	cfg := s.cfg
	pacer := s.pacer
	s.mu.Unlock()

	for _, cat := range cfg.NoNotifyCategories {
		if entry.Category == cat {
			s.log.Debug("entry category is no-notify",
				logx.Int64("entry_id", int64(entry.ID)),
				logx.String("category", entry.Category))
			return DeliveryResult{}, nil
		}
	}

	excluding := make(map[int64]struct{}, len(cfg.ExcludeIDs))
	for _, id := range cfg.ExcludeIDs {
		excluding[id] = struct{}{}
	}
	subs, err := s.registry.ListEligible(ctx, excluding)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("list eligible: %w", err)
	}

	passID := uuid.NewString()
	start := time.Now()
	s.newStatus(passID, int64(entry.ID), len(subs))
	s.setRunning(passID, true)
	defer s.setRunning(passID, false)

	var (
		resMu sync.Mutex
		res   = DeliveryResult{Recipients: len(subs)}
	)

	workers := cfg.workers()
	if workers > len(subs) {
		workers = len(subs)
	}
	queue := make(chan storage.Subscriber)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for sub := range queue {
				out := s.deliverOne(ctx, cfg, pacer, entry, sub)
				resMu.Lock()
				switch out {
				case deliverOK:
					res.Delivered++
				case deliverRateLimited:
					res.RateLimited++
				case deliverResolutionFailed:
					res.ResolutionFailed++
				case deliverSendFailed:
					res.SendFailed++
				}
				s.applyCount(passID, out)
				resMu.Unlock()
			}
		}()
	}

feed:
	for _, sub := range subs {
		select {
		case queue <- sub:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	s.finish(passID, res)
	s.appendAudit(ctx, passID, entry, res, time.Since(start))
	return res, nil
}

type deliverOutcome int

const (
	deliverOK deliverOutcome = iota
	deliverRateLimited
	deliverResolutionFailed
	deliverSendFailed
)

// deliverOne handles one subscriber end to end. The rate-limit slot is
// consumed up front; a later send failure does not refund it (fail closed).
func (s *Service) deliverOne(ctx context.Context, cfg Config, pacer sendPacer, entry catalog.Entry, sub storage.Subscriber) deliverOutcome {
	if !s.limiter.TryConsume(sub.ID, cfg.perSubscriberLimit(), cfg.perSubscriberWindow()) {
		return deliverRateLimited
	}

	resolved := make([]kit.ResolvedMedia, 0, len(entry.Media))
	for _, item := range entry.Media {
		rm, err := s.resolver.Resolve(ctx, item, sub.Origin)
		if err != nil {
			// Never deliver with missing media; the next entry retries.
			s.log.Warn("media resolution failed for subscriber",
				logx.Int64("user_id", sub.ID),
				logx.String("target", string(sub.Origin)),
				logx.Err(err))
			return deliverResolutionFailed
		}
		resolved = append(resolved, rm)
	}

	sender, ok := s.senders[sub.Origin]
	if !ok {
		// The subscriber's front-end is not running in this process; same
		// recovery path as an uninitialized relay target.
		s.log.Warn("no sender for subscriber origin",
			logx.Int64("user_id", sub.ID),
			logx.String("origin", string(sub.Origin)))
		return deliverResolutionFailed
	}

	caption, err := s.trans.Translate(entry.Caption, sub.Language)
	if err != nil {
		caption = entry.Caption
	}

	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return deliverSendFailed
		}
	}

	_, err = sender.SendMedia(ctx, kit.ChatTarget{ChatID: sub.ChatID}, resolved, caption, nil)
	if err != nil {
		outcome := subscriber.OutcomeTransientFailure
		if kit.IsPermanent(err) {
			outcome = subscriber.OutcomePermanentFailure
		}
		if merr := s.registry.MarkDeliveryOutcome(ctx, sub.ID, outcome, time.Now()); merr != nil {
			s.log.Error("marking delivery failure", logx.Int64("user_id", sub.ID), logx.Err(merr))
		}
		s.log.Warn("send failed",
			logx.Int64("user_id", sub.ID),
			logx.Bool("permanent", outcome == subscriber.OutcomePermanentFailure),
			logx.Err(err))
		return deliverSendFailed
	}

	if err := s.registry.MarkDeliveryOutcome(ctx, sub.ID, subscriber.OutcomeDelivered, time.Now()); err != nil {
		s.log.Error("marking delivery success", logx.Int64("user_id", sub.ID), logx.Err(err))
	}
	return deliverOK
}

// sendPacer is the part of *rate.Limiter the dispatcher needs.
type sendPacer interface {
	Wait(ctx context.Context) error
}

func (s *Service) appendAudit(ctx context.Context, passID string, entry catalog.Entry, res DeliveryResult, took time.Duration) {
	audit := storage.DeliveryAudit{
		PassID:           passID,
		EntryID:          int64(entry.ID),
		At:               time.Now(),
		Recipients:       res.Recipients,
		Delivered:        res.Delivered,
		RateLimited:      res.RateLimited,
		ResolutionFailed: res.ResolutionFailed,
		SendFailed:       res.SendFailed,
		TookMS:           took.Milliseconds(),
	}
	if err := s.store.AppendDeliveryAudit(ctx, audit); err != nil {
		s.log.Warn("delivery audit append failed", logx.String("pass", passID), logx.Err(err))
	}
}
