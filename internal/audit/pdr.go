// Package audit writes PDRs (Process Decision Records) for queue mutations.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/google/uuid"
)

// Sink persists PDR entries.
type Sink interface {
	WritePDR(ctx context.Context, entry models.PDREntry) error
}

// Lister reads PDR entries back, newest first. An empty taskID lists all.
type Lister interface {
	ListPDR(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error)
}

// Recorder logs every decision and hands it to an optional Sink.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Lister returns the sink as a Lister when it supports reads.
func (r *Recorder) Lister() (Lister, bool) {
	if r == nil || r.sink == nil {
		return nil, false
	}
	l, ok := r.sink.(Lister)
	return l, ok
}

// Record writes a PDR entry for a state-mutating action. Sink failures are
// logged; auditing never blocks the action itself. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) models.PDREntry {
	entry := models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if r == nil {
		return entry
	}

	r.log.Info("pdr",
		"action", entry.Action,
		"outcome", entry.Outcome,
		"task_id", entry.TaskID,
		"inputs_hash", entry.InputsHash,
		"details", entry.Details,
	)
	if r.sink != nil {
		if err := r.sink.WritePDR(ctx, entry); err != nil {
			r.log.Warn("pdr write failed", "action", action, "task_id", taskID, "error", err)
		}
	}
	return entry
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
