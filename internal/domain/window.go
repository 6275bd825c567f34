package domain

import (
	"encoding/hex"
	"strings"
	"time"
)

// WindowSeconds is the number of one-second slots in a price window.
const WindowSeconds = 60

// PriceTick is a single observed price.
type PriceTick struct {
	Symbol    string
	Price     float64
	Timestamp int64 // unix seconds
}

// PriceWindow is 60 consecutive one-second prices starting at a minute
// boundary. Windows are values; nothing holds a reference into Prices once
// a window has been emitted.
type PriceWindow struct {
	WindowStart int64                  `json:"window_start"`
	Prices      [WindowSeconds]float64 `json:"prices"`
}

// WindowStartFor returns the minute boundary containing ts.
func WindowStartFor(ts int64) int64 {
	r := ts % WindowSeconds
	if r < 0 {
		r += WindowSeconds
	}
	return ts - r
}

// IsMinuteAligned reports whether ts is a multiple of 60.
func IsMinuteAligned(ts int64) bool {
	return ts%WindowSeconds == 0
}

// CommitmentStatus tracks a window through the publish/anchor pipeline.
type CommitmentStatus string

const (
	CommitmentPending   CommitmentStatus = "pending"
	CommitmentPublished CommitmentStatus = "published"
	CommitmentAnchored  CommitmentStatus = "anchored"
	CommitmentFailed    CommitmentStatus = "failed"
)

// Commitment indexes a published window by its minute boundary.
type Commitment struct {
	WindowStart  int64            `json:"window_start"`
	CommitmentID string           `json:"commitment_id"`
	AnchorTxHash string           `json:"anchor_tx_hash,omitempty"`
	Status       CommitmentStatus `json:"status"`
	LastError    string           `json:"last_error,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ParseCommitmentID decodes an 0x-prefixed 32-byte hex commitment. The
// all-zero value is rejected since the oracle uses it for "unset".
func ParseCommitmentID(id string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X")
	if len(s) != 64 {
		return out, Invalid("commitment_id", "expected 32-byte hex, got %q", id)
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, Invalid("commitment_id", "not hex: %v", err)
	}
	if out == ([32]byte{}) {
		return out, Invalid("commitment_id", "must not be zero")
	}
	return out, nil
}

// FormatCommitmentID is the inverse of ParseCommitmentID.
func FormatCommitmentID(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}
