// Package identities provides the PostgreSQL-backed repository of
// provider-linked user records.
package identities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the identity with the given username. Purged identities are
// reported as common.ErrorNotFound, like missing ones.
func (r *PostgresRepository) Get(ctx context.Context, username string) (*models.Identity, error) {
	query := `
		SELECT username, refresh_token, last_updated_epoch, last_active_epoch, purged
		FROM identities
		WHERE username = $1 AND purged = FALSE
	`
	identity := &models.Identity{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&identity.Username, &identity.RefreshToken, &identity.LastUpdatedEpoch, &identity.LastActiveEpoch, &identity.Purged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return identity, nil
}

// Upsert inserts the identity or, for an existing username, stores the new
// refresh token and clears the purged flag. Timestamps of an existing row
// are kept.
func (r *PostgresRepository) Upsert(ctx context.Context, identity *models.Identity) error {
	query := `
		INSERT INTO identities (username, refresh_token, last_updated_epoch, last_active_epoch, purged)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (username)
		DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			purged = FALSE
	`
	if _, err := r.db.ExecContext(ctx, query,
		identity.Username, identity.RefreshToken, identity.LastUpdatedEpoch, identity.LastActiveEpoch); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Update writes the non-nil fields. An update with no fields is a no-op.
func (r *PostgresRepository) Update(ctx context.Context, username string, fields models.IdentityUpdate) error {
	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.RefreshToken != nil {
		add("refresh_token", *fields.RefreshToken)
	}
	if fields.LastUpdatedEpoch != nil {
		add("last_updated_epoch", *fields.LastUpdatedEpoch)
	}
	if fields.LastActiveEpoch != nil {
		add("last_active_epoch", *fields.LastActiveEpoch)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, username)
	query := fmt.Sprintf("UPDATE identities SET %s WHERE username = $%d", strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// MarkPurged flags the identity as purged and forgets its refresh token.
func (r *PostgresRepository) MarkPurged(ctx context.Context, username string) error {
	query := `
		UPDATE identities
		SET purged = TRUE, refresh_token = '', last_updated_epoch = 0
		WHERE username = $1
	`
	if _, err := r.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListNonPurgedUsernames returns every active username in a stable order.
func (r *PostgresRepository) ListNonPurgedUsernames(ctx context.Context) ([]string, error) {
	query := `SELECT username FROM identities WHERE purged = FALSE ORDER BY username`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		result = append(result, username)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListAll returns every identity row, purged ones included. Used by backups.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]*models.Identity, error) {
	query := `
		SELECT username, refresh_token, last_updated_epoch, last_active_epoch, purged
		FROM identities ORDER BY username
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Identity
	for rows.Next() {
		var item models.Identity
		if err := rows.Scan(&item.Username, &item.RefreshToken, &item.LastUpdatedEpoch, &item.LastActiveEpoch, &item.Purged); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
