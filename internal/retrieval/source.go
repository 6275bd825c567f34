package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/drawsettle/internal/da"
	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// WindowFetcher reads and verifies a window payload by commitment id.
type WindowFetcher interface {
	Fetch(ctx context.Context, commitmentID string) (domain.PriceWindow, error)
}

// CommittedWindowSource serves windows that are anchored on-chain. The
// on-chain commitment is the source of truth; a cached window is served only
// if it hashes to that commitment, otherwise the DA payload is fetched.
type CommittedWindowSource struct {
	cache  domain.WindowCache
	oracle domain.OracleAnchor
	da     WindowFetcher
	logger *slog.Logger
}

func NewCommittedWindowSource(cache domain.WindowCache, oracle domain.OracleAnchor, fetcher WindowFetcher, logger *slog.Logger) *CommittedWindowSource {
	return &CommittedWindowSource{
		cache:  cache,
		oracle: oracle,
		da:     fetcher,
		logger: logger.With(slog.String("component", "window-source")),
	}
}

func (s *CommittedWindowSource) Window(ctx context.Context, windowStart int64) (domain.PriceWindow, bool, error) {
	commitmentID, found, err := s.oracle.Get(ctx, windowStart)
	if err != nil {
		return domain.PriceWindow{}, false, err
	}
	if !found {
		return domain.PriceWindow{}, false, nil
	}

	if s.cache != nil {
		w, err := s.cache.GetWindow(ctx, windowStart)
		if err == nil {
			if s.matches(w, commitmentID) {
				return w, true, nil
			}
			s.logger.WarnContext(ctx, "cached window does not match anchored commitment",
				slog.Int64("window_start", windowStart),
				slog.String("commitment_id", commitmentID),
			)
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "window cache read failed",
				slog.Int64("window_start", windowStart),
				slog.String("error", err.Error()),
			)
		}
	}

	w, err := s.da.Fetch(ctx, commitmentID)
	if err != nil {
		return domain.PriceWindow{}, false, err
	}
	if w.WindowStart != windowStart {
		return domain.PriceWindow{}, false, fmt.Errorf("retrieval: commitment %s holds window %d, anchored at %d: %w",
			commitmentID, w.WindowStart, windowStart, domain.ErrValidation)
	}

	if s.cache != nil {
		if err := s.cache.SetWindow(ctx, w); err != nil {
			s.logger.WarnContext(ctx, "window cache fill failed",
				slog.Int64("window_start", windowStart),
				slog.String("error", err.Error()),
			)
		}
	}
	return w, true, nil
}

func (s *CommittedWindowSource) matches(w domain.PriceWindow, commitmentID string) bool {
	id, err := da.WindowCommitment(w)
	return err == nil && strings.EqualFold(id, commitmentID)
}
