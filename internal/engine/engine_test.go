package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"
)

func TestDeriveState(t *testing.T) {
	cases := []struct {
		name                               string
		hasInfo, checking, complete, paused bool
		errDetail                          string
		want                               State
	}{
		{"no metadata yet", false, false, false, false, "", StateMetadata},
		{"verifying", true, true, false, false, "", StateChecking},
		{"downloading", true, false, false, false, "", StateDownloading},
		{"complete and active", true, false, true, false, "", StateSeeding},
		{"complete and paused", true, false, true, true, "", StateFinished},
		{"incomplete and paused", true, false, false, true, "", StateQueued},
		{"error wins", true, false, false, false, "disk full", StateError},
		{"error wins over metadata", false, false, false, false, "boom", StateError},
	}
	for _, c := range cases {
		got := deriveState(c.hasInfo, c.checking, c.complete, c.paused, c.errDetail)
		if got != c.want {
			t.Fatalf("%s: deriveState = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestPriorityMapping(t *testing.T) {
	cases := []struct {
		prio  Priority
		band  torrent.PiecePriority
		label string
	}{
		{0, torrent.PiecePriorityNone, "Skip"},
		{1, torrent.PiecePriorityNormal, "Low"},
		{2, torrent.PiecePriorityNormal, "Low"},
		{3, torrent.PiecePriorityNormal, "Normal"},
		{4, torrent.PiecePriorityNormal, "Normal"},
		{5, torrent.PiecePriorityHigh, "Max"},
		{6, torrent.PiecePriorityHigh, "Max"},
		{7, torrent.PiecePriorityHigh, "Max"},
	}
	for _, c := range cases {
		if got := c.prio.piecePriority(); got != c.band {
			t.Fatalf("priority %d mapped to band %v, want %v", c.prio, got, c.band)
		}
		if got := c.prio.String(); got != c.label {
			t.Fatalf("priority %d labeled %q, want %q", c.prio, got, c.label)
		}
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{-1, 8, 100} {
		if p.Valid() {
			t.Fatalf("priority %d should be invalid", p)
		}
	}
	for p := PrioritySkip; p <= PriorityMax; p++ {
		if !p.Valid() {
			t.Fatalf("priority %d should be valid", p)
		}
	}
}

func TestPeerFlagLetters(t *testing.T) {
	f := PeerFlagIncoming | PeerFlagFromDHT | PeerFlagUTP
	if got := f.Letters(); got != "IHP" {
		t.Fatalf("Letters() = %q, want IHP", got)
	}
	if got := (PeerFlagOutgoing | PeerFlagFromTracker).Letters(); got != "T" {
		t.Fatalf("Letters() = %q, want T", got)
	}
	if got := PeerFlags(0).Letters(); got != "" {
		t.Fatalf("Letters() = %q, want empty", got)
	}
}

func TestFastModeConns(t *testing.T) {
	if got := fastModeConns(5); got != 250 {
		t.Fatalf("fastModeConns(5) = %d, want 250", got)
	}
	// Small configured values clamp to the floor.
	if got := fastModeConns(0); got != 20 {
		t.Fatalf("fastModeConns(0) = %d, want 20", got)
	}
}

func TestNewRateLimiter(t *testing.T) {
	l := newRateLimiter(0)
	if l.Limit() != rate.Inf {
		t.Fatalf("limit 0 should mean unlimited, got %v", l.Limit())
	}
	if !l.Allow() {
		t.Fatal("unlimited limiter should always allow")
	}

	l = newRateLimiter(1024)
	if l.Limit() != rate.Limit(1024) {
		t.Fatalf("expected limit 1024, got %v", l.Limit())
	}
	if l.Burst() != 1024 {
		t.Fatalf("expected burst 1024, got %d", l.Burst())
	}
}

func TestSetLimiterRateAppliesAtRuntime(t *testing.T) {
	l := newRateLimiter(0)

	// Unlimited -> capped without rebuilding the limiter.
	setLimiterRate(l, 2048)
	if l.Limit() != rate.Limit(2048) {
		t.Fatalf("expected limit 2048, got %v", l.Limit())
	}
	if l.Burst() != 2048 {
		t.Fatalf("expected burst 2048, got %d", l.Burst())
	}

	// Capped -> unlimited again.
	setLimiterRate(l, 0)
	if l.Limit() != rate.Inf {
		t.Fatalf("expected unlimited, got %v", l.Limit())
	}
	if !l.Allow() {
		t.Fatal("limiter should allow after returning to unlimited")
	}
}

func TestDecodeStateRejectsCorruptBlob(t *testing.T) {
	if _, err := decodeState([]byte("not json")); err == nil {
		t.Fatal("expected error for corrupt blob")
	}
}

func TestDecodeStateRejectsVersionMismatch(t *testing.T) {
	blob, err := json.Marshal(sessionState{Version: 99})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeState(blob); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestStateBlobRoundTrip(t *testing.T) {
	in := sessionState{
		Version: sessionStateVersion,
		SavedAt: time.Now(),
		Transfers: []transferResume{
			{
				ID:             "c9e15763f722f23e98a29decdfae341b98d53056",
				Magnet:         "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056",
				SavePath:       "/downloads",
				Paused:         true,
				Sequential:     true,
				FastMode:       true,
				MaxConnections: 250,
				FilePriorities: map[int]Priority{0: PrioritySkip, 2: PriorityMax},
				AddedAt:        time.Now().Add(-time.Hour),
			},
		},
	}

	blob, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeState(blob)
	if err != nil {
		t.Fatalf("decodeState returned error: %v", err)
	}
	if len(out.Transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(out.Transfers))
	}
	got := out.Transfers[0]
	if got.ID != in.Transfers[0].ID || !got.Paused || !got.Sequential || got.MaxConnections != 250 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.FilePriorities[2] != PriorityMax {
		t.Fatalf("round trip lost file priorities: %+v", got.FilePriorities)
	}
}
