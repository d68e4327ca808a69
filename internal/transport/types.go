package transport

import (
	"context"
	"errors"
	"fmt"
)

// InstanceID names one bot front-end. Media handles are opaque references
// that are only valid within the instance that issued them; handles from
// different instances must never be conflated.
type InstanceID string

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
)

// MediaItem is an instance-tagged media reference as captured at publish time.
type MediaItem struct {
	Origin InstanceID
	Handle string
	Kind   MediaKind
}

// ResolvedMedia is a media item already translated into the recipient
// instance's handle namespace.
type ResolvedMedia struct {
	Handle string
	Kind   MediaKind
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// PermanentError marks a delivery failure that will not succeed on retry
// (recipient blocked the bot, account deactivated, chat gone).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent send failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent send failure (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Sender is the send primitive consumed by the notification dispatcher.
// Implementations classify unrecoverable recipient failures as PermanentError;
// any other error is treated as transient by callers.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, items []ResolvedMedia, caption string, opt *SendOptions) (MessageRef, error)
}

// RelayPoster posts a media handle into a relay chat so another instance can
// observe it and learn its own handle for the same asset.
type RelayPoster interface {
	PostMedia(ctx context.Context, chatID int64, handle string, kind MediaKind, caption string) (MessageRef, error)
}

// MediaUpdate is an inbound media message observed by an adapter.
type MediaUpdate struct {
	ChatID    int64
	MessageID int
	Handle    string
	Kind      MediaKind
	Caption   string
}

// MediaWatcher exposes inbound media updates. Subscribers MUST use buffered
// channels; slow subscribers may drop updates.
type MediaWatcher interface {
	WatchMedia(buffer int) (ch <-chan MediaUpdate, unsubscribe func())
}
