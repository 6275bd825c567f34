package da

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// PredictionStore keeps drawn trajectories next to the window payloads,
// addressed the same way.
type PredictionStore struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	timeout time.Duration
}

func NewPredictionStore(writer domain.BlobWriter, reader domain.BlobReader, timeout time.Duration) *PredictionStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PredictionStore{writer: writer, reader: reader, timeout: timeout}
}

// Put stores predictions and returns the commitment id a position opens
// against.
func (s *PredictionStore) Put(ctx context.Context, predictions [domain.WindowSeconds]float64) (string, error) {
	if err := checkFinite("predictions", predictions[:]); err != nil {
		return "", err
	}
	payload, err := json.Marshal(predictionPayload{Predictions: predictions})
	if err != nil {
		return "", err
	}
	id := CommitmentFor(payload)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.Put(ctx, objectKey(predictionPrefix, id), bytes.NewReader(payload), contentType); err != nil {
		return "", domain.External("prediction-store", "put", err)
	}
	return id, nil
}

// Get loads and verifies a prediction blob.
func (s *PredictionStore) Get(ctx context.Context, commitmentID string) (domain.PredictionBlob, error) {
	if _, err := domain.ParseCommitmentID(commitmentID); err != nil {
		return domain.PredictionBlob{}, err
	}
	commitmentID = strings.ToLower(commitmentID)

	payload, err := readObject(ctx, s.reader, objectKey(predictionPrefix, commitmentID), s.timeout)
	if err != nil {
		return domain.PredictionBlob{}, domain.External("prediction-store", "get", err)
	}
	if err := verify(commitmentID, payload); err != nil {
		return domain.PredictionBlob{}, domain.External("prediction-store", "verify", err)
	}
	var pp predictionPayload
	if err := json.Unmarshal(payload, &pp); err != nil {
		return domain.PredictionBlob{}, domain.External("prediction-store", "decode", err)
	}
	return domain.PredictionBlob{CommitmentID: commitmentID, Predictions: pp.Predictions}, nil
}

var _ domain.PredictionStore = (*PredictionStore)(nil)
