package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// HistoryStore implements domain.HistoryStore.
type HistoryStore struct {
	mu   sync.RWMutex
	rows map[uint64]domain.SettledPosition
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{rows: make(map[uint64]domain.SettledPosition)}
}

func (s *HistoryStore) Save(_ context.Context, p domain.SettledPosition) error {
	p.User = domain.NormalizeAddress(p.User)
	s.mu.Lock()
	s.rows[p.PositionID] = p
	s.mu.Unlock()
	return nil
}

func (s *HistoryStore) Get(_ context.Context, positionID uint64) (domain.SettledPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[positionID]
	if !ok {
		return p, fmt.Errorf("memory: history %d: %w", positionID, domain.ErrNotFound)
	}
	return p, nil
}

func (s *HistoryStore) List(_ context.Context, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	out := s.filter(func(domain.SettledPosition) bool { return true }, opts)
	sortRecent(out)
	return paginate(out, opts), nil
}

func (s *HistoryStore) ListByUser(_ context.Context, user string, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	user = domain.NormalizeAddress(user)
	out := s.filter(func(p domain.SettledPosition) bool { return p.User == user }, opts)
	sortRecent(out)
	return paginate(out, opts), nil
}

func (s *HistoryStore) Leaderboard(_ context.Context, by domain.LeaderboardSort, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	out := s.filter(func(domain.SettledPosition) bool { return true }, opts)
	if by == domain.LeaderboardByRecent {
		sortRecent(out)
	} else {
		sort.SliceStable(out, func(i, j int) bool {
			if c := out[i].PnL.Cmp(out[j].PnL); c != 0 {
				return c > 0
			}
			return out[i].ClosedAt.After(out[j].ClosedAt)
		})
	}
	return paginate(out, opts), nil
}

func (s *HistoryStore) ListBefore(_ context.Context, before time.Time) ([]domain.SettledPosition, error) {
	out := s.filter(func(p domain.SettledPosition) bool { return p.ClosedAt.Before(before) }, domain.ListOpts{})
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out, nil
}

func (s *HistoryStore) Stats(_ context.Context, dayStart time.Time) (domain.HistoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type tally struct{ wins, total int }
	users := make(map[string]*tally)
	st := domain.HistoryStats{TotalVolume: decimal.Zero}
	for _, p := range s.rows {
		st.TotalPositions++
		st.TotalVolume = st.TotalVolume.Add(p.Amount)
		if !p.ClosedAt.Before(dayStart) {
			st.PositionsToday++
		}
		t := users[p.User]
		if t == nil {
			t = &tally{}
			users[p.User] = t
		}
		t.total++
		if p.PnL.IsPositive() {
			t.wins++
		}
	}
	st.DistinctUsers = int64(len(users))
	if len(users) > 0 {
		var sum float64
		for _, t := range users {
			sum += float64(t.wins) / float64(t.total)
		}
		st.AvgWinRate = sum / float64(len(users))
	}
	return st, nil
}

func (s *HistoryStore) filter(keep func(domain.SettledPosition) bool, opts domain.ListOpts) []domain.SettledPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SettledPosition
	for _, p := range s.rows {
		if keep(p) && inWindow(p.ClosedAt, opts) {
			out = append(out, p)
		}
	}
	return out
}

func sortRecent(rows []domain.SettledPosition) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].ClosedAt.Equal(rows[j].ClosedAt) {
			return rows[i].ClosedAt.After(rows[j].ClosedAt)
		}
		return rows[i].PositionID > rows[j].PositionID
	})
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
