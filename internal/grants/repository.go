package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/akademi/internal/platform/db"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Repository provides PostgreSQL backed persistence for grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const grantColumns = `id::text, user_email, resource_type, resource_key, operation, status, granted_by, note, created_at, updated_at, expires_at`

// ApprovedGrants returns approved grants of a user for one resource type that
// have not expired at now. Status and expiry are filtered here so callers
// never see stale rows.
func (r *Repository) ApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType, now time.Time) ([]rbac.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+grantColumns+`
FROM permission_grants
WHERE user_email = $1 AND resource_type = $2 AND status = 'approved'
  AND (expires_at IS NULL OR expires_at > $3)
ORDER BY created_at`, email, string(rt), now)
	if err != nil {
		return nil, fmt.Errorf("grants: approved grants: %w", err)
	}
	return collectGrants(rows)
}

// ListByUser returns every grant of a user regardless of status.
func (r *Repository) ListByUser(ctx context.Context, email string) ([]rbac.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+grantColumns+`
FROM permission_grants WHERE user_email = $1 ORDER BY created_at DESC`, email)
	if err != nil {
		return nil, fmt.Errorf("grants: list: %w", err)
	}
	return collectGrants(rows)
}

// Get fetches a grant by ID.
func (r *Repository) Get(ctx context.Context, id string) (rbac.PermissionGrant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return rbac.PermissionGrant{}, ErrNotFound
		}
		return rbac.PermissionGrant{}, fmt.Errorf("grants: get: %w", err)
	}
	return g, nil
}

// Insert stores a new grant together with its initial status event.
func (r *Repository) Insert(ctx context.Context, g rbac.PermissionGrant) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO permission_grants
(id, user_email, resource_type, resource_key, operation, status, granted_by, note, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)`,
			g.ID, g.UserEmail, string(g.ResourceType), g.ResourceKey, string(g.Operation),
			string(g.Status), g.GrantedBy, g.Note, g.CreatedAt, toPgTime(g.ExpiresAt))
		if err != nil {
			return fmt.Errorf("grants: insert: %w", err)
		}
		return insertEvent(ctx, tx, StatusEvent{GrantID: g.ID, To: g.Status, Actor: g.GrantedBy, At: g.CreatedAt})
	})
}

// CompareAndSetStatus moves a grant from -> to only if it is still in from.
// It reports false when another writer changed the row first.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, from, to rbac.GrantStatus, actor string, at time.Time) (bool, error) {
	swapped := false
	err := db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE permission_grants SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2`, id, string(from), string(to), at)
		if err != nil {
			return fmt.Errorf("grants: update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		swapped = true
		return insertEvent(ctx, tx, StatusEvent{GrantID: id, From: from, To: to, Actor: actor, At: at})
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// ExpireDue revokes approved grants whose expiry passed and returns the
// affected user emails.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	var emails []string
	err := db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE permission_grants SET status = 'revoked', updated_at = $1
WHERE status = 'approved' AND expires_at IS NOT NULL AND expires_at <= $1
RETURNING id::text, user_email`, now)
		if err != nil {
			return fmt.Errorf("grants: expire: %w", err)
		}
		var expired []StatusEvent
		seen := make(map[string]struct{})
		for rows.Next() {
			var id, email string
			if err := rows.Scan(&id, &email); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, StatusEvent{GrantID: id, From: rbac.GrantApproved, To: rbac.GrantRevoked, Actor: SystemActor, At: now})
			if _, ok := seen[email]; !ok {
				seen[email] = struct{}{}
				emails = append(emails, email)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, ev := range expired {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return emails, nil
}

// History returns the status events of a grant, oldest first.
func (r *Repository) History(ctx context.Context, id string) ([]StatusEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT grant_id::text, COALESCE(from_status, ''), to_status, actor, at
FROM permission_grant_events WHERE grant_id = $1 ORDER BY at, id`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("grants: history: %w", err)
	}
	defer rows.Close()
	var events []StatusEvent
	for rows.Next() {
		var ev StatusEvent
		var from, to string
		if err := rows.Scan(&ev.GrantID, &from, &to, &ev.Actor, &ev.At); err != nil {
			return nil, err
		}
		ev.From = rbac.GrantStatus(from)
		ev.To = rbac.GrantStatus(to)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev StatusEvent) error {
	var from pgtype.Text
	if ev.From != "" {
		from = pgtype.Text{String: string(ev.From), Valid: true}
	}
	_, err := tx.Exec(ctx, `INSERT INTO permission_grant_events (grant_id, from_status, to_status, actor, at)
VALUES ($1, $2, $3, $4, $5)`, ev.GrantID, from, string(ev.To), ev.Actor, ev.At)
	if err != nil {
		return fmt.Errorf("grants: insert event: %w", err)
	}
	return nil
}

func collectGrants(rows pgx.Rows) ([]rbac.PermissionGrant, error) {
	defer rows.Close()
	var out []rbac.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanGrant(row pgx.Row) (rbac.PermissionGrant, error) {
	var g rbac.PermissionGrant
	var rt, op, status string
	var expires pgtype.Timestamptz
	if err := row.Scan(&g.ID, &g.UserEmail, &rt, &g.ResourceKey, &op, &status, &g.GrantedBy, &g.Note, &g.CreatedAt, &g.UpdatedAt, &expires); err != nil {
		return rbac.PermissionGrant{}, err
	}
	g.ResourceType = rbac.ResourceType(rt)
	g.Operation = rbac.Operation(op)
	g.Status = rbac.GrantStatus(status)
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return g, nil
}

func toPgTime(t *time.Time) pgtype.Timestamptz {
	if t == nil || t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// isInvalidUUID detects Postgres rejecting a malformed uuid literal.
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
