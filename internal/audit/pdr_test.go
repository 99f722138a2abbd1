package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fentz26/runq/internal/models"
)

type memorySink struct {
	entries []models.PDREntry
	err     error
}

func (m *memorySink) WritePDR(ctx context.Context, entry models.PDREntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecord(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, discard())

	entry := r.Record(context.Background(), "task.enqueue", map[string]string{"prompt": "hi"}, "success", "task-1", "queued")
	if len(sink.entries) != 1 {
		t.Fatalf("Expected 1 entry written, got %d", len(sink.entries))
	}
	if sink.entries[0].ID != entry.ID || entry.ID == "" {
		t.Errorf("Expected returned entry to match written one, got %q vs %q", entry.ID, sink.entries[0].ID)
	}
	if entry.Action != "task.enqueue" || entry.TaskID != "task-1" || entry.Details != "queued" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if len(entry.InputsHash) != 64 {
		t.Errorf("Expected sha256 hex hash, got %q", entry.InputsHash)
	}
}

func TestRecord_SameInputsSameHash(t *testing.T) {
	r := NewRecorder(nil, discard())
	ctx := context.Background()

	a := r.Record(ctx, "x", map[string]int{"n": 1}, "success", "", "")
	b := r.Record(ctx, "x", map[string]int{"n": 1}, "success", "", "")
	c := r.Record(ctx, "x", map[string]int{"n": 2}, "success", "", "")
	if a.InputsHash != b.InputsHash {
		t.Error("Expected identical inputs to hash identically")
	}
	if a.InputsHash == c.InputsHash {
		t.Error("Expected different inputs to hash differently")
	}
	if a.ID == b.ID {
		t.Error("Expected distinct entry ids")
	}
}

func TestRecord_SinkFailureIsSwallowed(t *testing.T) {
	r := NewRecorder(&memorySink{err: errors.New("disk full")}, discard())
	entry := r.Record(context.Background(), "task.claim", nil, "success", "task-1", "")
	if entry.Action != "task.claim" {
		t.Errorf("Expected entry despite sink failure, got %+v", entry)
	}
}

func TestRecord_NilRecorder(t *testing.T) {
	var r *Recorder
	entry := r.Record(context.Background(), "task.finish", nil, "COMPLETE", "task-1", "")
	if entry.Action != "task.finish" {
		t.Errorf("Expected entry from nil recorder, got %+v", entry)
	}
	if _, ok := r.Lister(); ok {
		t.Error("Expected nil recorder to have no lister")
	}
}

func TestLister(t *testing.T) {
	if _, ok := NewRecorder(&memorySink{}, discard()).Lister(); ok {
		t.Error("Expected write-only sink to have no lister")
	}
	if _, ok := NewRecorder(nil, discard()).Lister(); ok {
		t.Error("Expected missing sink to have no lister")
	}
}
