package items

import (
	"context"

	"github.com/dmitrijs2005/expanse/internal/server/models"
)

type Repository interface {
	GetData(ctx context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error)
	GetPlaceholder(ctx context.Context, username string, filter models.Filter) (*models.Placeholder, error)
	GetSubs(ctx context.Context, username string, filter models.Filter) ([]string, error)
	Upsert(ctx context.Context, item *models.Item) error
	UpdateContent(ctx context.Context, username, id, content string) error
	Delete(ctx context.Context, username, id, category string) error
	DeleteByUser(ctx context.Context, username string) error
	ListByUser(ctx context.Context, username string) ([]*models.Item, error)
	ListAll(ctx context.Context) ([]*models.Item, error)
}
