package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"catalogbot/internal/ratelimit"
	"catalogbot/internal/storage"
	"catalogbot/internal/subscriber"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Workers bounds concurrent per-subscriber deliveries within one pass.
	Workers int
	// RatePerSec caps aggregate send throughput across the pool. This is the
	// upstream-API ceiling; the per-subscriber window is a separate policy.
	RatePerSec int

	PerSubscriberLimit  int
	PerSubscriberWindow time.Duration

	// NoNotifyCategories lists entry categories that never fan out.
	NoNotifyCategories []string
	// ExcludeIDs are operator accounts removed from every fan-out.
	ExcludeIDs []int64

	StatusMax int
	StatusTTL time.Duration
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c Config) ratePerSec() int {
	if c.RatePerSec <= 0 {
		return 10
	}
	return c.RatePerSec
}

func (c Config) perSubscriberLimit() int {
	if c.PerSubscriberLimit <= 0 {
		return 5
	}
	return c.PerSubscriberLimit
}

func (c Config) perSubscriberWindow() time.Duration {
	if c.PerSubscriberWindow <= 0 {
		return time.Hour
	}
	return c.PerSubscriberWindow
}

// DeliveryResult aggregates one fan-out pass. Rate-limited and
// resolution-failed recipients are expected skips, not errors.
type DeliveryResult struct {
	Recipients       int
	Delivered        int
	RateLimited      int
	ResolutionFailed int
	SendFailed       int
}

// PassStatus is the in-memory observability record for one fan-out pass.
type PassStatus struct {
	ID        string
	EntryID   int64
	Total     int
	Result    DeliveryResult
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// MediaResolver supplies a target-instance-native handle for each media item.
type MediaResolver interface {
	Resolve(ctx context.Context, item kit.MediaItem, target kit.InstanceID) (kit.ResolvedMedia, error)
}

// Translator renders the caption for a subscriber's language. Implementations
// must be pure; on error the dispatcher falls back to the original caption.
type Translator interface {
	Translate(caption, language string) (string, error)
}

// NopTranslator passes captions through unchanged.
type NopTranslator struct{}

func (NopTranslator) Translate(caption, _ string) (string, error) { return caption, nil }

type Service struct {
	mu sync.Mutex

	cfg      Config
	registry *subscriber.Registry
	limiter  *ratelimit.Limiter
	resolver MediaResolver
	senders  map[kit.InstanceID]kit.Sender
	trans    Translator
	store    storage.Store
	log      logx.Logger

	// pacer throttles sends pool-wide; rebuilt on Apply.
	pacer *rate.Limiter

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the
	// consume loop fully exits.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]*PassStatus
}
