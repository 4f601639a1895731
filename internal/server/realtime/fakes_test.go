package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/presence"
	"github.com/stretchr/testify/require"
)

type fakeIdentities struct {
	mu      sync.Mutex
	byName  map[string]*models.Identity
	getErr  error
	touched []string
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
	if !ok || id.Purged {
		return nil, common.ErrorNotFound
	}
	cp := *id
	return &cp, nil
}

func (f *fakeIdentities) Touch(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, username)
	return nil
}

type deleteCall struct {
	Username, ID, Category, Type string
}

type fakeData struct {
	mu              sync.Mutex
	items           map[string][]*models.Item
	readErr         error
	localDeletes    []deleteCall
	upstreamDeletes []deleteCall
	renewed         []string
	lastFilter      models.Filter
	lastCount       int
	lastOffset      int
}

func matches(it *models.Item, filter models.Filter) bool {
	if it.Category != filter.Category {
		return false
	}
	return filter.Type == "" || filter.Type == "all" || it.Type == filter.Type
}

func newFakeData() *fakeData {
	return &fakeData{items: map[string][]*models.Item{}}
}

func (f *fakeData) GetData(_ context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.lastFilter, f.lastCount, f.lastOffset = filter, count, offset
	var out []*models.Item
	for _, it := range f.items[username] {
		if matches(it, filter) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeData) GetPlaceholder(_ context.Context, username string, filter models.Filter) (*models.Placeholder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.lastFilter = filter
	p := &models.Placeholder{}
	for _, it := range f.items[username] {
		if !matches(it, filter) {
			continue
		}
		p.Total++
		if it.Type == common.TypePost {
			p.Posts++
		} else {
			p.Comments++
		}
	}
	return p, nil
}

func (f *fakeData) GetSubs(_ context.Context, username string, filter models.Filter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var subs []string
	for _, it := range f.items[username] {
		if matches(it, filter) && it.Sub != "" {
			subs = append(subs, it.Sub)
		}
	}
	return subs, nil
}

func (f *fakeData) DeleteLocal(_ context.Context, username, id, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDeletes = append(f.localDeletes, deleteCall{Username: username, ID: id, Category: category})
	kept := f.items[username][:0]
	for _, it := range f.items[username] {
		if it.ID == id && it.Category == category {
			continue
		}
		kept = append(kept, it)
	}
	f.items[username] = kept
	return nil
}

func (f *fakeData) DeleteUpstream(_ context.Context, username, id, category, itemType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreamDeletes = append(f.upstreamDeletes, deleteCall{Username: username, ID: id, Category: category, Type: itemType})
	return nil
}

func (f *fakeData) RenewComment(_ context.Context, username, commentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed = append(f.renewed, username+"/"+commentID)
	return "fresh " + commentID, nil
}

type fakeExporter struct {
	mu    sync.Mutex
	asked []string
}

func (f *fakeExporter) CreateExport(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, username)
	return "6f1c1c52-7a0b-4c7e-9a55-1f3f3b6f0a11", nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	epoch int64
	err   error
	asked []string
}

func (f *fakeRefresher) Refresh(_ context.Context, username string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, username)
	return f.epoch, f.err
}

type testEnv struct {
	h          *Handler
	hub        *Hub
	presence   *presence.Directory
	identities *fakeIdentities
	data       *fakeData
	exporter   *fakeExporter
	refresher  *fakeRefresher
	detached   *Detached
}

func newTestEnv(t *testing.T, ids ...*models.Identity) *testEnv {
	t.Helper()
	env := &testEnv{
		hub:        NewHub(),
		presence:   presence.NewDirectory(),
		identities: newFakeIdentities(ids...),
		data:       newFakeData(),
		exporter:   &fakeExporter{},
		refresher:  &fakeRefresher{epoch: 1700000000},
		detached:   NewDetached(logging.Nop(), 16),
	}
	env.h = NewHandler(Options{
		Identities: env.identities,
		Data:       env.data,
		Exporter:   env.exporter,
		Refresher:  env.refresher,
		Presence:   env.presence,
		Hub:        env.hub,
		Detached:   env.detached,
	}, logging.Nop())
	return env
}

// connect registers a socket-less connection, optionally authenticated.
func (e *testEnv) connect(id, auth string) *Conn {
	c := newConn(id, nil, logging.Nop())
	if auth != "" {
		c.session.setAuth(auth)
		e.presence.Register(auth, id)
	}
	e.h.accept(c)
	return c
}

func (e *testEnv) emit(t *testing.T, c *Conn, event string, args ...any) {
	t.Helper()
	data, err := encodeFrame(event, args...)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	e.h.dispatch(context.Background(), c, f)
}

func recv(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func requireSilent(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}
