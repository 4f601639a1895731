// Package items provides the PostgreSQL-backed repository of the account
// data snapshot: the paginated, filtered item queries served to viewers and
// the writes done by the refresh cycle and imports.
package items

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
)

const itemColumns = "id, category, type, content, author, sub, url, created_epoch"

// MaxPageSize caps item_count of a single page request.
const MaxPageSize = 100

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// where builds the WHERE clause shared by the viewer queries. Every query is
// parameterised by username first so nothing leaks across identities.
func where(username string, filter models.Filter, withSub bool) (string, []any) {
	conds := []string{"username = $1"}
	args := []any{username}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Type != "" && filter.Type != "all" {
		add("type = $%d", filter.Type)
	}
	if withSub && filter.Sub != "" && filter.Sub != "all" {
		add("sub = $%d", filter.Sub)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		add(`content ILIKE $%d ESCAPE '\'`, "%"+likeEscaper.Replace(s)+"%")
	}
	return strings.Join(conds, " AND "), args
}

// likeEscaper makes a search term match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func scanItems(rows *sql.Rows, username string) ([]*models.Item, error) {
	defer rows.Close()

	result := []*models.Item{}
	for rows.Next() {
		item := &models.Item{Username: username}
		if err := rows.Scan(&item.ID, &item.Category, &item.Type, &item.Content,
			&item.Author, &item.Sub, &item.URL, &item.CreatedEpoch); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetData returns one page of items, newest first.
func (r *PostgresRepository) GetData(ctx context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error) {
	if count <= 0 || count > MaxPageSize {
		count = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	cond, args := where(username, filter, true)
	args = append(args, count, offset)
	query := fmt.Sprintf("SELECT %s FROM items WHERE %s ORDER BY created_epoch DESC, id LIMIT $%d OFFSET $%d",
		itemColumns, cond, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanItems(rows, username)
}

// GetPlaceholder counts the items matching filter, split by type.
func (r *PostgresRepository) GetPlaceholder(ctx context.Context, username string, filter models.Filter) (*models.Placeholder, error) {
	cond, args := where(username, filter, true)
	query := fmt.Sprintf(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN type = 'post' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = 'comment' THEN 1 ELSE 0 END), 0)
		FROM items WHERE %s`, cond)

	p := &models.Placeholder{}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&p.Total, &p.Posts, &p.Comments); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

// GetSubs returns the distinct groupings (source forums) of the matching
// items. The sub filter itself is ignored so the client can switch subs.
func (r *PostgresRepository) GetSubs(ctx context.Context, username string, filter models.Filter) ([]string, error) {
	cond, args := where(username, filter, false)
	query := fmt.Sprintf("SELECT DISTINCT sub FROM items WHERE %s AND sub <> '' ORDER BY sub", cond)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert inserts an item or refreshes its content fields.
func (r *PostgresRepository) Upsert(ctx context.Context, item *models.Item) error {
	query := `
		INSERT INTO items (username, category, id, type, content, author, sub, url, created_epoch)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (username, category, id)
		DO UPDATE SET
			type = EXCLUDED.type,
			content = EXCLUDED.content,
			author = EXCLUDED.author,
			sub = EXCLUDED.sub,
			url = EXCLUDED.url,
			created_epoch = EXCLUDED.created_epoch
	`
	if _, err := r.db.ExecContext(ctx, query, item.Username, item.Category, item.ID, item.Type,
		item.Content, item.Author, item.Sub, item.URL, item.CreatedEpoch); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Delete removes one item from the local store only.
func (r *PostgresRepository) Delete(ctx context.Context, username, id, category string) error {
	query := `DELETE FROM items WHERE username = $1 AND id = $2 AND category = $3`
	if _, err := r.db.ExecContext(ctx, query, username, id, category); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateContent rewrites the body of one stored item in every category it
// is filed under. It returns common.ErrorNotFound when nothing matched.
func (r *PostgresRepository) UpdateContent(ctx context.Context, username, id, content string) error {
	query := `UPDATE items SET content = $3 WHERE username = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, query, username, id, content)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// DeleteByUser removes the whole snapshot of username.
func (r *PostgresRepository) DeleteByUser(ctx context.Context, username string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE username = $1`, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByUser returns every item of username, used by exports.
func (r *PostgresRepository) ListByUser(ctx context.Context, username string) ([]*models.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM items WHERE username = $1 ORDER BY category, created_epoch DESC, id", itemColumns)
	rows, err := r.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanItems(rows, username)
}

// ListAll returns every stored item, used by backups.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]*models.Item, error) {
	query := fmt.Sprintf("SELECT username, %s FROM items ORDER BY username, category, id", itemColumns)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := []*models.Item{}
	for rows.Next() {
		item := &models.Item{}
		if err := rows.Scan(&item.Username, &item.ID, &item.Category, &item.Type, &item.Content,
			&item.Author, &item.Sub, &item.URL, &item.CreatedEpoch); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
