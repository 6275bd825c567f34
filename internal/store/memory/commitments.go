package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore.
type CommitmentStore struct {
	mu   sync.RWMutex
	rows map[int64]domain.Commitment
}

func NewCommitmentStore() *CommitmentStore {
	return &CommitmentStore{rows: make(map[int64]domain.Commitment)}
}

// Upsert keeps the stored commitment id and tx hash when c leaves them
// empty.
func (s *CommitmentStore) Upsert(_ context.Context, c domain.Commitment) error {
	if !domain.IsMinuteAligned(c.WindowStart) {
		return domain.Invalid("window_start", "%d is not a multiple of 60", c.WindowStart)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[c.WindowStart]; ok {
		if c.CommitmentID == "" {
			c.CommitmentID = prev.CommitmentID
		}
		if c.AnchorTxHash == "" {
			c.AnchorTxHash = prev.AnchorTxHash
		}
	}
	c.UpdatedAt = time.Now().UTC()
	s.rows[c.WindowStart] = c
	return nil
}

func (s *CommitmentStore) Get(_ context.Context, windowStart int64) (domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[windowStart]
	if !ok {
		return c, fmt.Errorf("memory: commitment %d: %w", windowStart, domain.ErrNotFound)
	}
	return c, nil
}

func (s *CommitmentStore) ListByStatus(_ context.Context, status domain.CommitmentStatus, opts domain.ListOpts) ([]domain.Commitment, error) {
	s.mu.RLock()
	var out []domain.Commitment
	for _, c := range s.rows {
		if (status == "" || c.Status == status) && inWindow(c.UpdatedAt, opts) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart > out[j].WindowStart })
	return paginate(out, opts), nil
}

func (s *CommitmentStore) ListBefore(_ context.Context, before time.Time) ([]domain.Commitment, error) {
	s.mu.RLock()
	var out []domain.Commitment
	for _, c := range s.rows {
		if c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart < out[j].WindowStart })
	return out, nil
}

func (s *CommitmentStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)
