package services

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
)

// SyncService pulls the upstream listings of an identity into the store.
type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	identities  *IdentityService
}

// NewSyncService builds the service that re-synchronizes snapshots.
func NewSyncService(db *sql.DB, m repomanager.RepositoryManager, identities *IdentityService) *SyncService {
	return &SyncService{
		db:          db,
		repomanager: m,
		identities:  identities,
	}
}

// Refresh fetches every category of username and upserts the items. Items
// gone upstream are kept. On success LastUpdatedEpoch is set to now and
// returned; on failure it is left as is.
func (s *SyncService) Refresh(ctx context.Context, username string) (int64, error) {
	identity, err := s.identities.Get(ctx, username)
	if err != nil {
		return 0, err
	}
	account, err := s.identities.Account(ctx, identity)
	if err != nil {
		return 0, err
	}

	var fetched []*models.Item
	for _, category := range common.Categories {
		items, err := account.FetchCategory(ctx, username, category)
		if err != nil {
			return 0, err
		}
		fetched = append(fetched, items...)
	}

	now := common.NowEpoch()
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Items(tx)
		for _, item := range fetched {
			if err := repo.Upsert(ctx, item); err != nil {
				return err
			}
		}
		return s.repomanager.Identities(tx).Update(ctx, username, models.IdentityUpdate{LastUpdatedEpoch: &now})
	})
	if err != nil {
		return 0, storageError("store refresh", err)
	}
	return now, nil
}
