package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "catalogbot/internal/transport"
)

// Telegram rejects messages past 4096 chars; stay under with headroom for
// the adapter's own splitting.
const chatLineCap = 3500

// chatSinkState is the mutable half of the Telegram log sink: target,
// sender, throttle, and the delivery worker. It is embedded in Service and
// reconfigured under its own lock so Apply never blocks on a slow send.
type chatSinkState struct {
	mu       sync.Mutex
	sender   kit.Sender
	chatID   int64
	threadID int
	throttle *rate.Limiter
	floor    zerolog.Level

	queue  chan chatNote
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type chatNote struct {
	to   kit.ChatTarget
	text string
}

func (c *chatSinkState) init(sender kit.Sender, threadID int) {
	c.sender = sender
	c.threadID = threadID
	c.queue = make(chan chatNote, 128)
}

func (c *chatSinkState) configure(cfg TelegramConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floor = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	c.throttle = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.threadID = cfg.ThreadID
	}
}

func (c *chatSinkState) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.chatID = chatID
	if threadID != 0 {
		c.threadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSinkState) setSender(sender kit.Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *chatSinkState) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID != 0
}

func (c *chatSinkState) start() {
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.deliver(ctx)
		}()
	})
}

func (c *chatSinkState) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSinkState) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.queue:
			c.mu.Lock()
			snd := c.sender
			c.mu.Unlock()
			if snd == nil {
				continue
			}
			_, _ = snd.SendText(ctx, n.to, n.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

// push never blocks the logging path. Overflow drops the note.
func (c *chatSinkState) push(to kit.ChatTarget, text string) {
	select {
	case c.queue <- chatNote{to: to, text: text}:
	default:
	}
}

// chatWriter is the zerolog sink feeding chatSinkState.
type chatWriter struct{ state *chatSinkState }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c := w.state
	c.mu.Lock()
	chatID := c.chatID
	threadID := c.threadID
	throttle := c.throttle
	floor := c.floor
	snd := c.sender
	c.mu.Unlock()

	if chatID == 0 || snd == nil || throttle == nil || level < floor {
		return len(p), nil
	}
	if !throttle.Allow() {
		return len(p), nil
	}
	text := renderChatLine(p)
	if text == "" {
		return len(p), nil
	}
	c.push(kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text)
	return len(p), nil
}

// renderChatLine turns one zerolog JSON line into a readable chat message:
// "[LEVEL] message" followed by the remaining attributes, keys sorted.
func renderChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatLineCap)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := clip(fmt.Sprint(m[k]), 600)
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(v)
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, v)
	}
	return clip(b.String(), chatLineCap)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 4 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
