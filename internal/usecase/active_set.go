package usecase

import (
	"sort"
	"strings"
	"sync"
	"time"

	"SignalDesk/internal/domain/models"
)

// ActiveSet maps an instrument to its most recent accepted signal. Entries
// whose ExpiresAt has passed are invisible to readers and dropped by Prune.
type ActiveSet struct {
	mu      sync.RWMutex
	signals map[string]models.Signal
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{signals: make(map[string]models.Signal)}
}

func key(instrument string) string { return strings.ToUpper(instrument) }

func expired(s models.Signal, now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Upsert replaces the entry for the signal's instrument.
func (a *ActiveSet) Upsert(s models.Signal) {
	a.mu.Lock()
	a.signals[key(s.Instrument)] = s
	a.mu.Unlock()
}

// Get returns the live signal for instrument.
func (a *ActiveSet) Get(instrument string, now time.Time) (models.Signal, bool) {
	a.mu.RLock()
	s, ok := a.signals[key(instrument)]
	a.mu.RUnlock()
	if !ok || expired(s, now) {
		return models.Signal{}, false
	}
	return s, true
}

// List returns live signals sorted by instrument.
func (a *ActiveSet) List(now time.Time) []models.Signal {
	a.mu.RLock()
	out := make([]models.Signal, 0, len(a.signals))
	for _, s := range a.signals {
		if !expired(s, now) {
			out = append(out, s)
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Prune deletes expired entries and returns how many were removed.
func (a *ActiveSet) Prune(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k, s := range a.signals {
		if expired(s, now) {
			delete(a.signals, k)
			n++
		}
	}
	return n
}

// History is a bounded ring of accepted signals.
type History struct {
	mu   sync.RWMutex
	buf  []models.Signal
	next int
	full bool
}

// NewHistory creates a ring holding the newest size signals.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{buf: make([]models.Signal, size)}
}

// Add appends s, overwriting the oldest entry when full.
func (h *History) Add(s models.Signal) {
	h.mu.Lock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Len returns the number of stored signals.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// List returns up to limit signals newest first, generated at or after since
// (zero means no bound) and, when instrument is set, for that instrument only.
func (h *History) List(limit int, since time.Time, instrument string) []models.Signal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Signal, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		s := h.buf[(h.next-i+len(h.buf))%len(h.buf)]
		if !since.IsZero() && s.GeneratedAt.Before(since) {
			continue
		}
		if instrument != "" && !strings.EqualFold(s.Instrument, instrument) {
			continue
		}
		out = append(out, s)
	}
	return out
}
