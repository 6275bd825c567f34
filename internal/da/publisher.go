package da

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Publisher implements window publication over a blob store. It never
// retries; a failed call surfaces as an *domain.ExternalServiceError.
type Publisher struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	timeout time.Duration
	now     func() time.Time
}

func NewPublisher(writer domain.BlobWriter, reader domain.BlobReader, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{writer: writer, reader: reader, timeout: timeout, now: time.Now}
}

// Publish stores w and returns its commitment.
func (p *Publisher) Publish(ctx context.Context, w domain.PriceWindow) (domain.Commitment, error) {
	if !domain.IsMinuteAligned(w.WindowStart) {
		return domain.Commitment{}, domain.Invalid("window_start", "%d is not a multiple of 60", w.WindowStart)
	}
	id, err := p.PublishSlice(ctx, w.WindowStart, w.Prices)
	if err != nil {
		return domain.Commitment{}, err
	}
	return domain.Commitment{
		WindowStart:  w.WindowStart,
		CommitmentID: id,
		Status:       domain.CommitmentPublished,
		UpdatedAt:    p.now().UTC(),
	}, nil
}

// PublishSlice stores any 60-price series starting at start, aligned or
// not. Settlement uses it for the realised slice of a position.
func (p *Publisher) PublishSlice(ctx context.Context, start int64, prices [domain.WindowSeconds]float64) (string, error) {
	payload, err := EncodeWindow(start, prices)
	if err != nil {
		return "", err
	}
	id := CommitmentFor(payload)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.Put(ctx, objectKey(windowPrefix, id), bytes.NewReader(payload), contentType); err != nil {
		return "", domain.External("da", "publish", err)
	}
	return id, nil
}

// Fetch loads and verifies the payload behind commitmentID.
func (p *Publisher) Fetch(ctx context.Context, commitmentID string) (domain.PriceWindow, error) {
	if _, err := domain.ParseCommitmentID(commitmentID); err != nil {
		return domain.PriceWindow{}, err
	}
	commitmentID = strings.ToLower(commitmentID)

	payload, err := p.read(ctx, objectKey(windowPrefix, commitmentID))
	if err != nil {
		return domain.PriceWindow{}, domain.External("da", "fetch", err)
	}
	if err := verify(commitmentID, payload); err != nil {
		return domain.PriceWindow{}, domain.External("da", "verify", err)
	}

	var wp windowPayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		return domain.PriceWindow{}, domain.External("da", "decode", err)
	}
	return domain.PriceWindow{WindowStart: wp.WindowStart, Prices: wp.Prices}, nil
}

func (p *Publisher) read(ctx context.Context, key string) ([]byte, error) {
	return readObject(ctx, p.reader, key, p.timeout)
}

func readObject(ctx context.Context, reader domain.BlobReader, key string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("read %s: payload larger than %d bytes", key, maxPayloadBytes)
	}
	return data, nil
}
