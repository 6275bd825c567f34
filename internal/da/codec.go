// Package da publishes price windows and prediction blobs to a
// content-addressed data-availability layer backed by object storage.
//
// A commitment is the keccak256 of the canonical JSON payload, so anyone
// holding the on-chain commitment can fetch the object and verify it.
package da

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

const (
	windowPrefix     = "windows/"
	predictionPrefix = "predictions/"
	contentType      = "application/json"
	// maxPayloadBytes bounds reads; a 60-price payload is well under 4KB.
	maxPayloadBytes = 64 << 10
)

type windowPayload struct {
	WindowStart int64                         `json:"window_start"`
	Prices      [domain.WindowSeconds]float64 `json:"prices"`
}

type predictionPayload struct {
	Predictions [domain.WindowSeconds]float64 `json:"predictions"`
}

// EncodeWindow returns the canonical payload for a 60-price series.
func EncodeWindow(start int64, prices [domain.WindowSeconds]float64) ([]byte, error) {
	if err := checkFinite("prices", prices[:]); err != nil {
		return nil, err
	}
	return json.Marshal(windowPayload{WindowStart: start, Prices: prices})
}

// WindowCommitment is the commitment id w would be published under.
func WindowCommitment(w domain.PriceWindow) (string, error) {
	payload, err := EncodeWindow(w.WindowStart, w.Prices)
	if err != nil {
		return "", err
	}
	return CommitmentFor(payload), nil
}

// CommitmentFor is the commitment id of a payload.
func CommitmentFor(payload []byte) string {
	return crypto.Keccak256Hash(payload).Hex()
}

func objectKey(prefix, commitmentID string) string {
	return prefix + commitmentID + ".json"
}

func checkFinite(field string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Invalid(field, "value %d is not finite", i)
		}
	}
	return nil
}

func verify(commitmentID string, payload []byte) error {
	if got := CommitmentFor(payload); got != commitmentID {
		return fmt.Errorf("payload hash %s does not match commitment %s", got, commitmentID)
	}
	return nil
}
