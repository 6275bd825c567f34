// Package retrieval rebuilds the 60-second price slice a position is settled
// against from the committed minute windows on either side of its open time.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// WindowSource returns the committed window starting at windowStart.
// found is false when nothing has been committed for it yet.
type WindowSource interface {
	Window(ctx context.Context, windowStart int64) (w domain.PriceWindow, found bool, err error)
}

// Service implements GetWindowForPosition. It holds no state of its own, so
// calls are safe to repeat.
type Service struct {
	source WindowSource
	now    func() time.Time
}

func NewService(source WindowSource) *Service {
	return &Service{source: source, now: time.Now}
}

// GetWindowForPosition returns the prices for [openTimestamp,
// openTimestamp+60). When a needed window is not committed yet the error is
// a *domain.NotYetAvailableError.
func (s *Service) GetWindowForPosition(ctx context.Context, openTimestamp int64) ([]float64, error) {
	if openTimestamp <= 0 {
		return nil, domain.Invalid("open_timestamp", "must be positive, got %d", openTimestamp)
	}
	boundaryA := domain.WindowStartFor(openTimestamp)
	boundaryB := boundaryA + domain.WindowSeconds
	offset := openTimestamp - boundaryA

	unavailable := func(missing int64) error {
		return &domain.NotYetAvailableError{
			OpenTimestamp: openTimestamp,
			BoundaryA:     boundaryA,
			BoundaryB:     boundaryB,
			Offset:        offset,
			MissingWindow: missing,
			Elapsed:       s.now().Unix() - (boundaryB + domain.WindowSeconds),
		}
	}

	a, found, err := s.source.Window(ctx, boundaryA)
	if err != nil {
		return nil, fmt.Errorf("retrieval: window %d: %w", boundaryA, err)
	}
	if !found {
		return nil, unavailable(boundaryA)
	}

	out := make([]float64, 0, domain.WindowSeconds)
	out = append(out, a.Prices[offset:]...)
	if offset == 0 {
		return out, nil
	}

	b, found, err := s.source.Window(ctx, boundaryB)
	if err != nil {
		return nil, fmt.Errorf("retrieval: window %d: %w", boundaryB, err)
	}
	if !found {
		return nil, unavailable(boundaryB)
	}
	return append(out, b.Prices[:offset]...), nil
}
