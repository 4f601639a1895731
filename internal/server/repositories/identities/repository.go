package identities

import (
	"context"

	"github.com/dmitrijs2005/expanse/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, username string) (*models.Identity, error)
	Upsert(ctx context.Context, identity *models.Identity) error
	Update(ctx context.Context, username string, fields models.IdentityUpdate) error
	MarkPurged(ctx context.Context, username string) error
	ListNonPurgedUsernames(ctx context.Context) ([]string, error)
	ListAll(ctx context.Context) ([]*models.Identity, error)
}
