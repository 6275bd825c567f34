package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// HistoryArchiveStore lists settled positions closed before a cutoff.
type HistoryArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.SettledPosition, error)
}

// CommitmentArchiveStore lists commitment index rows updated before a cutoff.
type CommitmentArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Commitment, error)
}

// Archiver implements domain.Archiver by exporting old rows as JSONL.
// Rows are copied, never deleted; the history table still backs the
// leaderboard.
type Archiver struct {
	writer      domain.BlobWriter
	history     HistoryArchiveStore
	commitments CommitmentArchiveStore
	audit       domain.AuditStore
	partSize    int64
}

func NewArchiver(writer domain.BlobWriter, history HistoryArchiveStore, commitments CommitmentArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:      writer,
		history:     history,
		commitments: commitments,
		audit:       audit,
		partSize:    minPartSize,
	}
}

// ArchiveHistory writes archive/position_history/YYYY-MM.jsonl.
func (a *Archiver) ArchiveHistory(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.history.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history query: %w", err)
	}
	return archive(ctx, a, "position_history", before, rows)
}

// ArchiveCommitments writes archive/commitments/YYYY-MM.jsonl.
func (a *Archiver) ArchiveCommitments(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.commitments.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive commitments query: %w", err)
	}
	return archive(ctx, a, "commitments", before, rows)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath partitions archives by the cutoff month:
//
//	archive/position_history/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
