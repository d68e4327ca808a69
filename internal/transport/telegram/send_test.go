package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "catalogbot/internal/transport"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		limit  int
		chunks int
	}{
		{name: "short stays whole", text: "hello", limit: 100, chunks: 1},
		{name: "exact limit stays whole", text: strings.Repeat("a", 100), limit: 100, chunks: 1},
		{name: "over limit splits", text: strings.Repeat("a", 150), limit: 100, chunks: 2},
		{name: "empty", text: "", limit: 100, chunks: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := splitText(tt.text, tt.limit)
			if len(got) != tt.chunks {
				t.Fatalf("splitText produced %d chunks, want %d", len(got), tt.chunks)
			}
			for i, c := range got {
				if n := len([]rune(c)); n > tt.limit {
					t.Fatalf("chunk %d has %d runes, limit %d", i, n, tt.limit)
				}
			}
		})
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	got := splitText(text, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if strings.Contains(got[0], "b") || strings.Contains(got[1], "a") {
		t.Fatalf("split did not land on the newline: %q | %q", got[0], got[1])
	}
}

func TestClassifyPermanentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        error
		permanent bool
	}{
		{name: "blocked", in: tele.ErrBlockedByUser, permanent: true},
		{name: "deactivated", in: tele.ErrUserIsDeactivated, permanent: true},
		{name: "not started", in: tele.ErrNotStartedByUser, permanent: true},
		{name: "chat not found", in: tele.ErrChatNotFound, permanent: true},
		{name: "forbidden code", in: &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}, permanent: true},
		{name: "rate limit stays transient", in: &tele.Error{Code: 429, Description: "Too Many Requests"}, permanent: false},
		{name: "generic network", in: errors.New("dial tcp: timeout"), permanent: false},
		{name: "nil", in: nil, permanent: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.in)
			if kit.IsPermanent(got) != tt.permanent {
				t.Fatalf("classify(%v) permanent = %v, want %v", tt.in, kit.IsPermanent(got), tt.permanent)
			}
			if tt.in != nil && got == nil {
				t.Fatal("classify dropped the error")
			}
			// The original error stays reachable for callers that need it.
			if tt.permanent && !errors.Is(got, tt.in) {
				t.Fatalf("classified error does not wrap the original: %v", got)
			}
		})
	}
}

func TestSendableForKinds(t *testing.T) {
	t.Parallel()

	kinds := []kit.MediaKind{
		kit.MediaPhoto, kit.MediaVideo, kit.MediaDocument,
		kit.MediaAnimation, kit.MediaAudio, kit.MediaVoice,
	}
	for _, k := range kinds {
		if _, err := sendableFor(kit.ResolvedMedia{Handle: "f", Kind: k}, "c"); err != nil {
			t.Fatalf("sendableFor(%s): %v", k, err)
		}
	}
	if _, err := sendableFor(kit.ResolvedMedia{Handle: "f", Kind: "sticker"}, ""); err == nil {
		t.Fatal("expected error for unsupported kind")
	}

	// Animations and voice notes cannot join albums.
	if _, err := albumEntryFor(kit.ResolvedMedia{Handle: "f", Kind: kit.MediaAnimation}, ""); err == nil {
		t.Fatal("expected error for non-groupable kind")
	}
}
