// Package spool keeps a durable local queue of events pending delivery to
// the remote store. It is the safety net that lets runs continue through
// remote-store outages.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ppiankov/evigate/internal/fsatomic"
)

// Record is one spooled event. One file per record; the file is deleted
// only after confirmed delivery.
type Record struct {
	RunID     string                 `json:"run_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SendFunc delivers one record to the remote store. A nil error confirms
// delivery.
type SendFunc func(Record) error

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Spool appends durable records under a directory and replays them later.
type Spool struct {
	dir     string
	limiter *rate.Limiter // Optional delivery throttle, nil = unlimited
	seq     atomic.Uint64 // Disambiguates records created in the same nanosecond
}

// New creates a spool rooted at dir.
func New(dir string) *Spool {
	return &Spool{dir: dir}
}

// SetLimiter throttles replay delivery.
func (s *Spool) SetLimiter(l *rate.Limiter) {
	s.limiter = l
}

// Add appends a durable record keyed by (run_id, timestamp, type). The write
// is atomic, so a crash mid-write never leaves a corrupt record behind.
func (s *Spool) Add(runID, eventType string, payload map[string]interface{}) error {
	rec := Record{
		RunID:     runID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spool record: %w", err)
	}

	name := fmt.Sprintf("%020d-%06d-%s-%s.json",
		rec.CreatedAt.UnixNano(), s.seq.Add(1), sanitize(runID), sanitize(eventType))
	if err := fsatomic.WriteFile(filepath.Join(s.dir, name), data, 0644); err != nil {
		return fmt.Errorf("write spool record: %w", err)
	}
	return nil
}

// Replay iterates pending records in creation order and hands each to send.
// Confirmed records are deleted; failures stay behind for the next pass, so
// replay is idempotent and safe to invoke on any schedule. Corrupt files
// count as failed and are left in place for inspection.
func (s *Spool) Replay(ctx context.Context, send SendFunc) (ReplayStats, error) {
	var stats ReplayStats

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("read spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Zero-padded nanosecond prefixes make lexicographic order creation order.
	sort.Strings(names)

	for _, name := range names {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				stats.Remaining = s.pendingAfter(names, stats.Sent+stats.Failed)
				return stats, err
			}
		}

		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			stats.Failed++
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			stats.Failed++
			continue
		}
		if err := send(rec); err != nil {
			stats.Failed++
			continue
		}
		// Delete only after confirmed delivery.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			stats.Failed++
			continue
		}
		stats.Sent++
	}

	stats.Remaining = stats.Failed
	return stats, nil
}

// Pending counts records awaiting delivery.
func (s *Spool) Pending() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

func (s *Spool) pendingAfter(names []string, processed int) int {
	if processed > len(names) {
		return 0
	}
	return len(names) - processed
}

// sanitize keeps record filenames filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
