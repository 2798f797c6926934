package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxStarter is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxStarter interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// WithTx executes fn within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, db TxStarter, fn func(pgx.Tx) error) error {
	return WithTxIso(ctx, db, pgx.RepeatableRead, fn)
}

// WithTxIso executes fn within a transaction at the given isolation level.
// Row compare-and-swap updates use ReadCommitted so a concurrent writer makes
// the WHERE clause re-check instead of raising a serialization failure.
func WithTxIso(ctx context.Context, db TxStarter, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
