// Package catalog holds the catalog-entry model shared by the capture
// pipeline and the notification core.
package catalog

import (
	"context"
	"time"

	"catalogbot/internal/transport"
)

type EntryID int64

// Entry is immutable once published. The notification core only reads it.
type Entry struct {
	ID          EntryID
	Category    string
	Subcategory string
	Caption     string
	// Media is the ordered media list; each item carries the handle namespace
	// (origin instance) it was captured through.
	Media       []transport.MediaItem
	Origin      transport.InstanceID
	PublishedAt time.Time
}

// Categorized reports whether the entry is ready for notification.
// Uncategorized entries sit in the pending-categorization backlog.
func (e Entry) Categorized() bool { return e.Category != "" }

// Store is the catalog persistence consumed by the notifier. The capture
// pipeline (channel scanning, categorization UI) lives outside this module.
type Store interface {
	PutEntry(ctx context.Context, e Entry) (EntryID, error)
	GetEntry(ctx context.Context, id EntryID) (Entry, bool, error)
	ListRecentEntries(ctx context.Context, limit int) ([]Entry, error)
}

// EventEntryPublished is published on the event bus when an entry becomes
// notifiable (categorized). The event payload is the Entry itself.
const EventEntryPublished = "catalog.entry.published"
