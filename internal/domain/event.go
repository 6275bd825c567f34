package domain

import (
	"context"
	"strconv"
	"time"
)

// EventKind tags pipeline and settlement events.
type EventKind string

const (
	EventWindowReady        EventKind = "window-ready"
	EventPublished          EventKind = "published"
	EventAnchored           EventKind = "anchored"
	EventProcessingError    EventKind = "processing-error"
	EventBufferSizeMismatch EventKind = "buffer-size-mismatch"

	EventPositionClosed EventKind = "position-closed"
	EventPositionFunded EventKind = "position-funded"
	EventPayoutFailed   EventKind = "payout-failed"
	EventReconciliation EventKind = "reconciliation"
)

// Event is emitted by the pipeline and the settlement service.
type Event struct {
	Kind         EventKind `json:"kind"`
	WindowStart  int64     `json:"window_start,omitempty"`
	CommitmentID string    `json:"commitment_id,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	Delivered    int       `json:"delivered,omitempty"`
	PositionID   uint64    `json:"position_id,omitempty"`
	User         string    `json:"user,omitempty"`
	At           time.Time `json:"at"`
}

// Key returns a stable partition key for the event.
func (e Event) Key() string {
	if e.PositionID != 0 {
		return "position:" + formatUint(e.PositionID)
	}
	return "window:" + strconv.FormatInt(e.WindowStart, 10)
}

// EventSink receives pipeline and settlement events. Emit must not block
// for long; sinks that talk to the network bound their own calls.
type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

// DiscardEvents is an EventSink that drops everything.
type DiscardEvents struct{}

func (DiscardEvents) Emit(context.Context, Event) error { return nil }

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
