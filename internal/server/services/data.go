package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
)

// DataService serves the item snapshot of an identity and applies the
// local and upstream deletions requested by its owner.
type DataService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	identities  *IdentityService
}

// NewDataService builds the data service. Upstream calls authorize through
// identities.
func NewDataService(db *sql.DB, m repomanager.RepositoryManager, identities *IdentityService) *DataService {
	return &DataService{
		db:          db,
		repomanager: m,
		identities:  identities,
	}
}

func (s *DataService) GetData(ctx context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error) {
	data, err := s.repomanager.Items(s.db).GetData(ctx, username, filter, count, offset)
	if err != nil {
		return nil, storageError("get data", err)
	}
	return data, nil
}

func (s *DataService) GetPlaceholder(ctx context.Context, username string, filter models.Filter) (*models.Placeholder, error) {
	p, err := s.repomanager.Items(s.db).GetPlaceholder(ctx, username, filter)
	if err != nil {
		return nil, storageError("get placeholder", err)
	}
	return p, nil
}

func (s *DataService) GetSubs(ctx context.Context, username string, filter models.Filter) ([]string, error) {
	subs, err := s.repomanager.Items(s.db).GetSubs(ctx, username, filter)
	if err != nil {
		return nil, storageError("get subs", err)
	}
	return subs, nil
}

// DeleteLocal removes an item from the stored snapshot only.
func (s *DataService) DeleteLocal(ctx context.Context, username, id, category string) error {
	if err := s.repomanager.Items(s.db).Delete(ctx, username, id, category); err != nil {
		return storageError("delete item", err)
	}
	return nil
}

// DeleteUpstream undoes the item upstream, then drops it locally so the
// next refresh does not have to.
func (s *DataService) DeleteUpstream(ctx context.Context, username, id, category, itemType string) error {
	identity, err := s.identities.Get(ctx, username)
	if err != nil {
		return err
	}
	account, err := s.identities.Account(ctx, identity)
	if err != nil {
		return err
	}
	if err := account.DeleteItem(ctx, id, category, itemType); err != nil {
		return err
	}
	return s.DeleteLocal(ctx, username, id, category)
}

// RenewComment fetches the current body of a comment upstream and stores it
// over the snapshot copy. A comment missing from the snapshot is only
// returned.
func (s *DataService) RenewComment(ctx context.Context, username, commentID string) (string, error) {
	identity, err := s.identities.Get(ctx, username)
	if err != nil {
		return "", err
	}
	account, err := s.identities.Account(ctx, identity)
	if err != nil {
		return "", err
	}
	body, err := account.FetchComment(ctx, commentID)
	if err != nil {
		return "", err
	}

	err = s.repomanager.Items(s.db).UpdateContent(ctx, username, common.Fullname(commentID, common.TypeComment), body)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return "", storageError("renew comment", err)
	}
	return body, nil
}
