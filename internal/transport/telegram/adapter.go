package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "catalogbot/internal/runtime/supervisor"
	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

type Config struct {
	Instance    kit.InstanceID
	Token       string
	PollTimeout time.Duration
	// RelayChatID is the chat this instance watches for cross-instance media
	// relays. Zero means the instance cannot act as a relay target.
	RelayChatID int64
}

// Adapter binds one bot front-end (one token, one handle namespace) to the
// transport interfaces. It implements kit.Sender, kit.RelayPoster and
// kit.MediaWatcher.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	watchMu  sync.Mutex
	watchers map[uint64]chan kit.MediaUpdate
	watchSeq atomic.Uint64

	// droppedUpdates counts media updates dropped because a watcher was slower
	// than the poll loop. Logged on stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(string(cfg.Instance)) == "" {
		return nil, errors.New("instance name is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("instance", string(cfg.Instance))),
		bot:      b,
		watchers: map[uint64]chan kit.MediaUpdate{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Instance() kit.InstanceID { return a.cfg.Instance }

// RelayChatID returns the chat this instance watches for relayed media
// (0 when the instance is not set up as a relay target).
func (a *Adapter) RelayChatID() int64 { return a.cfg.RelayChatID }

func (a *Adapter) registerHandlers() {
	// Media handlers feed the relay watcher fanout. Handles observed here are
	// native to THIS instance regardless of which bot posted the original.
	onMedia := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		handle, kind := mediaFromMessage(m)
		if handle == "" {
			return nil
		}
		a.fanoutMedia(kit.MediaUpdate{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Handle:    handle,
			Kind:      kind,
			Caption:   m.Caption,
		})
		return nil
	}
	for _, ev := range []string{tele.OnPhoto, tele.OnVideo, tele.OnDocument, tele.OnAnimation, tele.OnAudio, tele.OnVoice} {
		a.bot.Handle(ev, onMedia)
	}
}

func mediaFromMessage(m *tele.Message) (string, kit.MediaKind) {
	switch {
	case m.Photo != nil:
		return m.Photo.FileID, kit.MediaPhoto
	case m.Video != nil:
		return m.Video.FileID, kit.MediaVideo
	case m.Document != nil:
		return m.Document.FileID, kit.MediaDocument
	case m.Animation != nil:
		return m.Animation.FileID, kit.MediaAnimation
	case m.Audio != nil:
		return m.Audio.FileID, kit.MediaAudio
	case m.Voice != nil:
		return m.Voice.FileID, kit.MediaVoice
	}
	return "", ""
}

func (a *Adapter) fanoutMedia(up kit.MediaUpdate) {
	a.watchMu.Lock()
	chs := make([]chan kit.MediaUpdate, 0, len(a.watchers))
	for _, ch := range a.watchers {
		chs = append(chs, ch)
	}
	a.watchMu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
	}
}

// WatchMedia implements kit.MediaWatcher.
func (a *Adapter) WatchMedia(buffer int) (<-chan kit.MediaUpdate, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan kit.MediaUpdate, buffer)
	id := a.watchSeq.Add(1)

	a.watchMu.Lock()
	a.watchers[id] = ch
	a.watchMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			a.watchMu.Lock()
			delete(a.watchers, id)
			a.watchMu.Unlock()
		})
	}
	return ch, unsub
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("media updates dropped (watcher slow)", logx.Uint64("count", n))
	}

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}
