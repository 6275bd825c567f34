package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inWindow(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.Unlock()
	return paginate(out, opts), nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
