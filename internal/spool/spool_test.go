package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSpool_ReplayLeavesOnlyFailures(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, ev := range []string{"first", "second", "third"} {
		if err := s.Add("run-1", ev, map[string]interface{}{"n": ev}); err != nil {
			t.Fatalf("Add(%s): %v", ev, err)
		}
	}

	// Fail only the second event.
	stats, err := s.Replay(ctx, func(rec Record) error {
		if rec.EventType == "second" {
			return errors.New("store unreachable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 1 || stats.Remaining != 1 {
		t.Errorf("Expected sent=2 failed=1 remaining=1, got %+v", stats)
	}

	var left []string
	_, _ = s.Replay(ctx, func(rec Record) error {
		left = append(left, rec.EventType)
		return errors.New("inspect only")
	})
	if len(left) != 1 || left[0] != "second" {
		t.Errorf("Expected only the second event behind, got %v", left)
	}

	// A second replay with a working sender drains to zero.
	stats, err = s.Replay(ctx, func(Record) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if stats.Sent != 1 || stats.Remaining != 0 {
		t.Errorf("Expected drain to zero, got %+v", stats)
	}
	if s.Pending() != 0 {
		t.Errorf("Expected empty spool, got %d pending", s.Pending())
	}
}

func TestSpool_ReplayPreservesCreationOrder(t *testing.T) {
	s := New(t.TempDir())

	for _, ev := range []string{"a", "b", "c", "d"} {
		if err := s.Add("run-1", ev, nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var order []string
	_, err := s.Replay(context.Background(), func(rec Record) error {
		order = append(order, rec.EventType)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, order)
		}
	}
}

func TestSpool_ReplayIdempotentOnRepeat(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	_ = s.Add("run-1", "only", nil)

	delivered := 0
	for i := 0; i < 3; i++ {
		_, err := s.Replay(ctx, func(Record) error {
			delivered++
			return nil
		})
		if err != nil {
			t.Fatalf("Replay %d: %v", i, err)
		}
	}
	if delivered != 1 {
		t.Errorf("Record delivered %d times, want exactly once", delivered)
	}
}

func TestSpool_CorruptRecordLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	_ = s.Add("run-1", "good", nil)
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000000-000000-x-bad.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Replay(context.Background(), func(Record) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("Expected sent=1 failed=1, got %+v", stats)
	}
	if s.Pending() != 1 {
		t.Errorf("Corrupt record should stay for inspection, pending=%d", s.Pending())
	}
}

func TestSpool_MissingDirReplaysEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"))

	stats, err := s.Replay(context.Background(), func(Record) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if stats.Sent != 0 || stats.Remaining != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestSpool_NoCollisions(t *testing.T) {
	s := New(t.TempDir())

	for i := 0; i < 50; i++ {
		if err := s.Add("run-1", "tick", nil); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if s.Pending() != 50 {
		t.Errorf("Expected 50 distinct records, got %d", s.Pending())
	}
}
