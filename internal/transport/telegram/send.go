package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

const telegramTextLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			if first.ChatID != 0 {
				return first, ctx.Err()
			}
			return kit.MessageRef{}, ctx.Err()
		default:
		}

		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			err = classify(err)
			if first.ChatID != 0 {
				return first, err
			}
			return kit.MessageRef{}, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	return first, nil
}

// SendMedia delivers one or more media items with a shared caption. Single
// items go out as a captioned media message; multiple items as an album with
// the caption attached to the first element.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, items []kit.ResolvedMedia, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if len(items) == 0 {
		return a.SendText(ctx, to, caption, opt)
	}
	select {
	case <-ctx.Done():
		return kit.MessageRef{}, ctx.Err()
	default:
	}

	chat := &tele.Chat{ID: to.ChatID}

	if len(items) == 1 {
		sendable, err := sendableFor(items[0], caption)
		if err != nil {
			return kit.MessageRef{}, err
		}
		msg, err := a.bot.Send(chat, sendable, sendOptions(to, opt))
		if err != nil {
			return kit.MessageRef{}, classify(err)
		}
		return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
	}

	album := make(tele.Album, 0, len(items))
	for i, it := range items {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		media, err := albumEntryFor(it, itemCaption)
		if err != nil {
			return kit.MessageRef{}, err
		}
		album = append(album, media)
	}

	msgs, err := a.bot.SendAlbum(chat, album, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	if len(msgs) == 0 {
		return kit.MessageRef{}, nil
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgs[0].ID}, nil
}

// PostMedia implements kit.RelayPoster: it pushes a media handle into a relay
// chat so the watching instance can learn its own handle for the asset.
func (a *Adapter) PostMedia(ctx context.Context, chatID int64, handle string, kind kit.MediaKind, caption string) (kit.MessageRef, error) {
	select {
	case <-ctx.Done():
		return kit.MessageRef{}, ctx.Err()
	default:
	}
	sendable, err := sendableFor(kit.ResolvedMedia{Handle: handle, Kind: kind}, caption)
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, sendable, &tele.SendOptions{DisableNotification: true})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	a.log.Debug("media posted to relay chat", logx.Int64("chat_id", chatID), logx.String("kind", string(kind)))
	return kit.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}
}

func sendableFor(it kit.ResolvedMedia, caption string) (tele.Sendable, error) {
	f := tele.File{FileID: it.Handle}
	switch it.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: f, Caption: caption}, nil
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: caption}, nil
	case kit.MediaDocument:
		return &tele.Document{File: f, Caption: caption}, nil
	case kit.MediaAnimation:
		return &tele.Animation{File: f, Caption: caption}, nil
	case kit.MediaAudio:
		return &tele.Audio{File: f, Caption: caption}, nil
	case kit.MediaVoice:
		return &tele.Voice{File: f, Caption: caption}, nil
	}
	return nil, errors.New("unsupported media kind: " + string(it.Kind))
}

// albumEntryFor maps a media item to an album member. Telegram albums accept
// photos, videos, documents and audio; other kinds cannot be grouped.
func albumEntryFor(it kit.ResolvedMedia, caption string) (tele.Inputtable, error) {
	f := tele.File{FileID: it.Handle}
	switch it.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: f, Caption: caption}, nil
	case kit.MediaVideo:
		return &tele.Video{File: f, Caption: caption}, nil
	case kit.MediaDocument:
		return &tele.Document{File: f, Caption: caption}, nil
	case kit.MediaAudio:
		return &tele.Audio{File: f, Caption: caption}, nil
	}
	return nil, errors.New("media kind not groupable: " + string(it.Kind))
}

// classify wraps unrecoverable recipient errors in kit.PermanentError so the
// dispatcher can auto-unsubscribe instead of retrying forever.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return &kit.PermanentError{Reason: "blocked by user", Err: err}
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return &kit.PermanentError{Reason: "user deactivated", Err: err}
	case errors.Is(err, tele.ErrNotStartedByUser):
		return &kit.PermanentError{Reason: "chat not started", Err: err}
	case errors.Is(err, tele.ErrChatNotFound):
		return &kit.PermanentError{Reason: "chat not found", Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return &kit.PermanentError{Reason: "forbidden", Err: err}
	}
	return err
}

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window. Avoid
		// extremely small chunks.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
