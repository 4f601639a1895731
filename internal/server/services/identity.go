// Package services contains server-side business logic. This file implements
// IdentityService, the registry of provider-linked identities: lookup,
// persistence of OAuth grants, field updates, purge and re-authorization.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/provider"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
)

// storageError tags err as a storage failure unless it is a NotFound.
func storageError(op string, err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(common.ErrStorageFailure, err))
}

// IdentityService is the registry of provider-linked identities.
type IdentityService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	provider    provider.Provider
}

// NewIdentityService builds the registry on db, re-authorizing through p.
func NewIdentityService(db *sql.DB, m repomanager.RepositoryManager, p provider.Provider) *IdentityService {
	return &IdentityService{
		db:          db,
		repomanager: m,
		provider:    p,
	}
}

// Get returns the non-purged identity of username or common.ErrorNotFound.
func (s *IdentityService) Get(ctx context.Context, username string) (*models.Identity, error) {
	if username == "" {
		return nil, common.ErrorNotFound
	}
	identity, err := s.repomanager.Identities(s.db).Get(ctx, username)
	if err != nil {
		return nil, storageError("get identity", err)
	}
	return identity, nil
}

// Save stores a fresh grant, reviving a previously purged identity.
func (s *IdentityService) Save(ctx context.Context, grant *models.Grant) error {
	if err := s.repomanager.Identities(s.db).Upsert(ctx, &models.Identity{
		Username:     grant.Username,
		RefreshToken: grant.RefreshToken,
	}); err != nil {
		return storageError("save identity", err)
	}
	return nil
}

// Update writes the non-nil fields of upd.
func (s *IdentityService) Update(ctx context.Context, username string, upd models.IdentityUpdate) error {
	if err := s.repomanager.Identities(s.db).Update(ctx, username, upd); err != nil {
		return storageError("update identity", err)
	}
	return nil
}

// Touch records now as the last activity of username.
func (s *IdentityService) Touch(ctx context.Context, username string) error {
	now := common.NowEpoch()
	return s.Update(ctx, username, models.IdentityUpdate{LastActiveEpoch: &now})
}

// Purge drops the item snapshot of username and marks the identity purged
// in one transaction.
func (s *IdentityService) Purge(ctx context.Context, username string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Items(tx).DeleteByUser(ctx, username); err != nil {
			return err
		}
		return s.repomanager.Identities(tx).MarkPurged(ctx, username)
	})
	if err != nil {
		return storageError("purge identity", err)
	}
	return nil
}

// ListUsernames returns every non-purged username.
func (s *IdentityService) ListUsernames(ctx context.Context) ([]string, error) {
	usernames, err := s.repomanager.Identities(s.db).ListNonPurgedUsernames(ctx)
	if err != nil {
		return nil, storageError("list identities", err)
	}
	return usernames, nil
}

// Account re-authorizes identity with its stored refresh token. A token the
// provider rotates along the way replaces the stored one.
func (s *IdentityService) Account(ctx context.Context, identity *models.Identity) (provider.Account, error) {
	username := identity.Username
	return s.provider.Account(ctx, identity.RefreshToken, func(ctx context.Context, refreshToken string) error {
		return s.Update(ctx, username, models.IdentityUpdate{RefreshToken: &refreshToken})
	})
}
