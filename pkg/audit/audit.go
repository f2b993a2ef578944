// Package audit defines the audit sink consumed by the token and handshake
// services. The sink is injected at construction so services never reach
// for a global logger.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/canonicalize"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`

	// PreviousHash links this event to the preceding one.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash is the SHA-256 digest of this event including PreviousHash.
	Hash string `json:"hash,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

// SlogSink writes events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(ctx context.Context, ev Event) {
	s.logger.InfoContext(ctx, "audit",
		"actor", ev.Actor,
		"action", ev.Action,
		"target", ev.Target,
		"outcome", ev.Outcome,
		"detail", ev.Detail,
	)
}

// ChainLog keeps a bounded in-memory hash chain of events, each entry
// linked to its predecessor so truncation or reordering is detectable.
type ChainLog struct {
	mu      sync.Mutex
	entries []Event
	cap     int
}

// NewChainLog creates a chain log retaining at most capacity entries.
// The chain head hash survives eviction, so verification still covers
// everything retained.
func NewChainLog(capacity int) *ChainLog {
	if capacity <= 0 {
		capacity = 4096
	}
	return &ChainLog{cap: capacity}
}

func (l *ChainLog) Record(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if n := len(l.entries); n > 0 {
		ev.PreviousHash = l.entries[n-1].Hash
	}
	ev.Hash = entryHash(ev)

	l.entries = append(l.entries, ev)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Entries returns a copy of the retained events.
func (l *ChainLog) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify walks the chain and reports whether every link is intact.
func (l *ChainLog) Verify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	for i, ev := range l.entries {
		if i > 0 && ev.PreviousHash != prev {
			return false
		}
		want := ev.Hash
		ev.Hash = ""
		if entryHash(ev) != want {
			return false
		}
		prev = want
	}
	return true
}

func entryHash(ev Event) string {
	ev.Hash = ""
	h, err := canonicalize.CanonicalHash(ev)
	if err != nil {
		return ""
	}
	return h
}

// Tee fans an event out to multiple sinks.
type Tee []Sink

func (t Tee) Record(ctx context.Context, ev Event) {
	for _, s := range t {
		s.Record(ctx, ev)
	}
}
