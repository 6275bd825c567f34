package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

const uniqueViolation = "23505"

// listQuery accumulates WHERE clauses and positional args for paginated
// list queries.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(base)
	q.sb.WriteString(" WHERE 1=1")
	return q
}

func (q *listQuery) where(clause string, arg any) {
	q.args = append(q.args, arg)
	q.sb.WriteString(" AND ")
	q.sb.WriteString(strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(q.args))))
}

func (q *listQuery) window(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(column+" >= ?", *opts.Since)
	}
	if opts.Until != nil {
		q.where(column+" <= ?", *opts.Until)
	}
}

func (q *listQuery) page(orderBy string, opts domain.ListOpts) {
	q.sb.WriteString(" ORDER BY ")
	q.sb.WriteString(orderBy)
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		fmt.Fprintf(&q.sb, " LIMIT $%d", len(q.args))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		fmt.Fprintf(&q.sb, " OFFSET $%d", len(q.args))
	}
}

func (q *listQuery) String() string { return q.sb.String() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
