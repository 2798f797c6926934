package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores usage records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var usageColumns = []string{"user_email", "role", "resource_type", "resource_key", "operation", "allowed", "reason", "evaluated_at"}

// InsertBatch appends records with COPY.
func (r *Repository) InsertBatch(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"permission_usage_stats"}, usageColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			rec := batch[i]
			at := rec.EvaluatedAt
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return []any{rec.UserEmail, rec.Role, rec.ResourceType, rec.ResourceKey, rec.Operation, rec.Allowed, rec.Reason, at}, nil
		}))
	if err != nil {
		return fmt.Errorf("usage: insert batch: %w", err)
	}
	return nil
}

// Aggregate groups decisions in the filter window by resource and operation.
func (r *Repository) Aggregate(ctx context.Context, f Filter) ([]SummaryRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT resource_type, resource_key, operation,
       count(*) AS total,
       count(*) FILTER (WHERE allowed) AS allowed,
       count(*) FILTER (WHERE NOT allowed) AS denied
FROM permission_usage_stats
WHERE evaluated_at >= $1 AND evaluated_at < $2
  AND ($3::text = '' OR resource_type = $3)
  AND ($4::text = '' OR user_email = $4)
GROUP BY resource_type, resource_key, operation
ORDER BY resource_type, resource_key, operation`, f.From, f.To, string(f.ResourceType), f.UserEmail)
	if err != nil {
		return nil, fmt.Errorf("usage: aggregate: %w", err)
	}
	defer rows.Close()
	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(&row.ResourceType, &row.ResourceKey, &row.Operation, &row.Total, &row.Allowed, &row.Denied); err != nil {
			return nil, err
		}
		row.DenialRate = denialRate(row.Denied, row.Total)
		out = append(out, row)
	}
	return out, rows.Err()
}
