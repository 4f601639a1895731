package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/auth"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/presence"
	"github.com/dmitrijs2005/expanse/internal/server/realtime"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeIdentities struct {
	mu       sync.Mutex
	byName   map[string]*models.Identity
	getErr   error
	listErr  error
	purgeErr error
	saved    []*models.Grant
	purged   []string
}

func newFakeIdentities(ids ...*models.Identity) *fakeIdentities {
	f := &fakeIdentities{byName: map[string]*models.Identity{}}
	for _, id := range ids {
		f.byName[id.Username] = id
	}
	return f
}

func (f *fakeIdentities) Get(_ context.Context, username string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	id, ok := f.byName[username]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return id, nil
}

func (f *fakeIdentities) Save(_ context.Context, grant *models.Grant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, grant)
	f.byName[grant.Username] = &models.Identity{Username: grant.Username, RefreshToken: grant.RefreshToken}
	return nil
}

func (f *fakeIdentities) Purge(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, username)
	if f.purgeErr != nil {
		return f.purgeErr
	}
	delete(f.byName, username)
	return nil
}

func (f *fakeIdentities) ListUsernames(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for name := range f.byName {
		out = append(out, name)
	}
	return out, nil
}

type fakeAuthorizer struct {
	grant *models.Grant
	err   error
	codes []string
}

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeAuthorizer) Exchange(_ context.Context, code string) (*models.Grant, error) {
	f.codes = append(f.codes, code)
	return f.grant, f.err
}

type fakeImporter struct {
	mu       sync.Mutex
	username string
	contents map[string]string
}

func (f *fakeImporter) ParseImport(_ context.Context, username string, files map[string]io.Reader) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = username
	f.contents = map[string]string{}
	for k, r := range files {
		b, err := io.ReadAll(r)
		if err != nil {
			return 0, err
		}
		f.contents[k] = string(b)
	}
	return len(files), nil
}

// dirDownloads serves "<token>.json" files from a directory.
type dirDownloads struct {
	dir string
}

func (d dirDownloads) Path(token string) (string, error) {
	if token == "" || filepath.Base(token) != token {
		return "", common.ErrInvalidFilename
	}
	path := filepath.Join(d.dir, token+".json")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", common.ErrorNotFound
	}
	return path, nil
}

func (d dirDownloads) Remove(path string) error {
	return os.Remove(path)
}

type testEnv struct {
	srv        *Server
	identities *fakeIdentities
	authorizer *fakeAuthorizer
	importer   *fakeImporter
	presence   *presence.Directory
	detached   *realtime.Detached
	dir        string
}

func newTestEnv(t *testing.T, policy Policy, ids ...*models.Identity) *testEnv {
	t.Helper()
	e := &testEnv{
		identities: newFakeIdentities(ids...),
		authorizer: &fakeAuthorizer{},
		importer:   &fakeImporter{},
		presence:   presence.NewDirectory(),
		detached:   realtime.NewDetached(logging.Nop(), 4),
		dir:        t.TempDir(),
	}
	sessions := NewSessions(testSecret, time.Hour, false, e.identities, e.presence, logging.Nop())
	e.srv = NewServer("", Deps{
		Identities: e.identities,
		Authorizer: e.authorizer,
		Importer:   e.importer,
		Downloads:  dirDownloads{dir: e.dir},
		Presence:   e.presence,
		Sessions:   sessions,
		Detached:   e.detached,
		Policy:     policy,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "# metrics") }),
	}, false, logging.Nop())
	return e
}

func sessionCookie(t *testing.T, username string) *http.Cookie {
	t.Helper()
	token, err := auth.GenerateToken(username, []byte(testSecret), time.Hour)
	require.NoError(t, err)
	return &http.Cookie{Name: common.SessionCookieName, Value: token}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}
