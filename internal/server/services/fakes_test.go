package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/provider"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/identities"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/items"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

// --- repositories ---

type fakeIdentitiesRepo struct {
	identities.Repository

	mu      sync.Mutex
	byName  map[string]*models.Identity
	getErr  error
	listErr error
	updates []models.IdentityUpdate
	purged  []string
}

func newFakeIdentities(ids ...*models.Identity) *fakeIdentitiesRepo {
	f := &fakeIdentitiesRepo{byName: map[string]*models.Identity{}}
	for _, id := range ids {
		f.byName[id.Username] = id
	}
	return f
}

func (f *fakeIdentitiesRepo) Get(ctx context.Context, username string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	id, ok := f.byName[username]
	if !ok || id.Purged {
		return nil, common.ErrorNotFound
	}
	cp := *id
	return &cp, nil
}

func (f *fakeIdentitiesRepo) Upsert(ctx context.Context, identity *models.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.byName[identity.Username]; ok {
		prev.RefreshToken = identity.RefreshToken
		prev.Purged = false
		return nil
	}
	cp := *identity
	f.byName[identity.Username] = &cp
	return nil
}

func (f *fakeIdentitiesRepo) Update(ctx context.Context, username string, upd models.IdentityUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byName[username]
	if !ok {
		return common.ErrorNotFound
	}
	f.updates = append(f.updates, upd)
	if upd.LastUpdatedEpoch != nil {
		id.LastUpdatedEpoch = *upd.LastUpdatedEpoch
	}
	if upd.LastActiveEpoch != nil {
		id.LastActiveEpoch = *upd.LastActiveEpoch
	}
	if upd.RefreshToken != nil {
		id.RefreshToken = *upd.RefreshToken
	}
	return nil
}

func (f *fakeIdentitiesRepo) MarkPurged(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, username)
	if id, ok := f.byName[username]; ok {
		id.Purged = true
		id.RefreshToken = ""
		id.LastUpdatedEpoch = 0
	}
	return nil
}

func (f *fakeIdentitiesRepo) ListNonPurgedUsernames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for name, id := range f.byName {
		if !id.Purged {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeIdentitiesRepo) ListAll(ctx context.Context) ([]*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Identity
	for _, id := range f.byName {
		cp := *id
		out = append(out, &cp)
	}
	return out, nil
}

type fakeItemsRepo struct {
	items.Repository

	mu        sync.Mutex
	stored    []*models.Item
	upsertErr error
	deleted   []string
	purged    []string
	readErr   error
	updateErr error
}

func (f *fakeItemsRepo) Upsert(ctx context.Context, item *models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	cp := *item
	f.stored = append(f.stored, &cp)
	return nil
}

func (f *fakeItemsRepo) Delete(ctx context.Context, username, id, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, username+"/"+category+"/"+id)
	return nil
}

func (f *fakeItemsRepo) UpdateContent(ctx context.Context, username, id, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	found := false
	for _, it := range f.stored {
		if it.Username == username && it.ID == id {
			it.Content = content
			found = true
		}
	}
	if !found {
		return common.ErrorNotFound
	}
	return nil
}

func (f *fakeItemsRepo) DeleteByUser(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, username)
	return nil
}

func (f *fakeItemsRepo) ListByUser(ctx context.Context, username string) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var out []*models.Item
	for _, it := range f.stored {
		if it.Username == username {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeItemsRepo) ListAll(ctx context.Context) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]*models.Item(nil), f.stored...), nil
}

func (f *fakeItemsRepo) GetData(ctx context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.ListByUser(ctx, username)
}

func (f *fakeItemsRepo) GetPlaceholder(ctx context.Context, username string, filter models.Filter) (*models.Placeholder, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &models.Placeholder{Total: int64(len(f.stored))}, nil
}

func (f *fakeItemsRepo) GetSubs(ctx context.Context, username string, filter models.Filter) ([]string, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []string{"golang"}, nil
}

type fakeRepoManager struct {
	ids *fakeIdentitiesRepo
	its *fakeItemsRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Identities(db dbx.DBTX) identities.Repository { return m.ids }
func (m *fakeRepoManager) Items(db dbx.DBTX) items.Repository           { return m.its }

// --- provider ---

type fakeAccount struct {
	mu         sync.Mutex
	byCategory map[string][]*models.Item
	fetchErr   error
	info       []*models.Item
	infoAsked  []string
	comment    string
	deleteErr  error
	deleted    []string
}

func (a *fakeAccount) FetchCategory(ctx context.Context, username, category string) ([]*models.Item, error) {
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	var out []*models.Item
	for _, it := range a.byCategory[category] {
		cp := *it
		cp.Username = username
		cp.Category = category
		out = append(out, &cp)
	}
	return out, nil
}

func (a *fakeAccount) FetchComment(ctx context.Context, id string) (string, error) {
	if a.fetchErr != nil {
		return "", a.fetchErr
	}
	return a.comment, nil
}

func (a *fakeAccount) FetchInfo(ctx context.Context, fullnames []string) ([]*models.Item, error) {
	a.mu.Lock()
	a.infoAsked = append(a.infoAsked, fullnames...)
	a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return a.info, nil
}

func (a *fakeAccount) DeleteItem(ctx context.Context, id, category, itemType string) error {
	a.mu.Lock()
	a.deleted = append(a.deleted, category+"/"+itemType+"/"+id)
	a.mu.Unlock()
	return a.deleteErr
}

type fakeProvider struct {
	provider.Provider

	account    *fakeAccount
	accountErr error
	tokens     []string
	save       provider.TokenSaver
}

func (p *fakeProvider) Account(ctx context.Context, refreshToken string, save provider.TokenSaver) (provider.Account, error) {
	p.tokens = append(p.tokens, refreshToken)
	p.save = save
	if p.accountErr != nil {
		return nil, p.accountErr
	}
	return p.account, nil
}
