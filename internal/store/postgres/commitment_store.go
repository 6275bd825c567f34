package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

const commitmentCols = `window_start, commitment_id, anchor_tx_hash, status, last_error, updated_at`

// CommitmentStore implements domain.CommitmentStore. window_start is the
// primary key, so re-anchoring a window updates its row in place.
type CommitmentStore struct {
	pool *pgxpool.Pool
}

func NewCommitmentStore(pool *pgxpool.Pool) *CommitmentStore {
	return &CommitmentStore{pool: pool}
}

// Upsert writes c. Empty commitment or tx hash fields keep their stored
// values so a failed anchor does not erase a published commitment.
func (s *CommitmentStore) Upsert(ctx context.Context, c domain.Commitment) error {
	if !domain.IsMinuteAligned(c.WindowStart) {
		return domain.Invalid("window_start", "%d is not a multiple of 60", c.WindowStart)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commitments (window_start, commitment_id, anchor_tx_hash, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (window_start) DO UPDATE SET
			commitment_id  = COALESCE(NULLIF(EXCLUDED.commitment_id, ''), commitments.commitment_id),
			anchor_tx_hash = COALESCE(NULLIF(EXCLUDED.anchor_tx_hash, ''), commitments.anchor_tx_hash),
			status         = EXCLUDED.status,
			last_error     = EXCLUDED.last_error,
			updated_at     = NOW()`,
		c.WindowStart, c.CommitmentID, c.AnchorTxHash, string(c.Status), c.LastError,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert commitment %d: %w", c.WindowStart, err)
	}
	return nil
}

func (s *CommitmentStore) Get(ctx context.Context, windowStart int64) (domain.Commitment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE window_start = $1`, windowStart)
	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("postgres: commitment %d: %w", windowStart, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("postgres: commitment %d: %w", windowStart, err)
	}
	return c, nil
}

func (s *CommitmentStore) ListByStatus(ctx context.Context, status domain.CommitmentStatus, opts domain.ListOpts) ([]domain.Commitment, error) {
	q := newListQuery(`SELECT ` + commitmentCols + ` FROM commitments`)
	if status != "" {
		q.where("status = ?", string(status))
	}
	q.window("updated_at", opts)
	q.page("window_start DESC", opts)
	return s.list(ctx, q)
}

// ListBefore feeds the archiver.
func (s *CommitmentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Commitment, error) {
	q := newListQuery(`SELECT ` + commitmentCols + ` FROM commitments`)
	q.where("updated_at < ?", before)
	q.page("window_start ASC", domain.ListOpts{})
	return s.list(ctx, q)
}

func (s *CommitmentStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commitments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count commitments: %w", err)
	}
	return n, nil
}

func (s *CommitmentStore) list(ctx context.Context, q *listQuery) ([]domain.Commitment, error) {
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommitment(row pgx.Row) (domain.Commitment, error) {
	var c domain.Commitment
	var status string
	err := row.Scan(&c.WindowStart, &c.CommitmentID, &c.AnchorTxHash, &status, &c.LastError, &c.UpdatedAt)
	c.Status = domain.CommitmentStatus(status)
	return c, err
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)
