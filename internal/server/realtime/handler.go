package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/metrics"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/presence"
	"github.com/gorilla/websocket"
)

// IdentityRegistry resolves identities for view targets and activity stamps.
type IdentityRegistry interface {
	Get(ctx context.Context, username string) (*models.Identity, error)
	Touch(ctx context.Context, username string) error
}

// DataStore serves and mutates the item snapshot of an identity.
type DataStore interface {
	GetData(ctx context.Context, username string, filter models.Filter, count, offset int) ([]*models.Item, error)
	GetPlaceholder(ctx context.Context, username string, filter models.Filter) (*models.Placeholder, error)
	GetSubs(ctx context.Context, username string, filter models.Filter) ([]string, error)
	DeleteLocal(ctx context.Context, username, id, category string) error
	DeleteUpstream(ctx context.Context, username, id, category, itemType string) error
	RenewComment(ctx context.Context, username, commentID string) (string, error)
}

type Exporter interface {
	CreateExport(ctx context.Context, username string) (string, error)
}

type Refresher interface {
	Refresh(ctx context.Context, username string) (int64, error)
}

var (
	errNoViewUser      = errors.New("no view user set")
	errInvalidCategory = errors.New("invalid category")
	errBadArguments    = errors.New("bad arguments")
)

const userNotFound = "user not found"

// Options wires the collaborators of a Handler.
type Options struct {
	Identities IdentityRegistry
	Data       DataStore
	Exporter   Exporter
	Refresher  Refresher
	Presence   *presence.Directory
	Hub        *Hub
	Detached   *Detached
	Metrics    *metrics.Metrics

	// Authenticate extracts the session username from the upgrade request.
	Authenticate func(r *http.Request) (string, bool)

	// Dev accepts websocket upgrades from any origin.
	Dev bool
}

// Handler upgrades HTTP requests to the realtime channel and dispatches the
// events each connection sends.
type Handler struct {
	identities   IdentityRegistry
	data         DataStore
	exporter     Exporter
	refresher    Refresher
	presence     *presence.Directory
	hub          *Hub
	detached     *Detached
	metrics      *metrics.Metrics
	authenticate func(r *http.Request) (string, bool)
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

// NewHandler builds a Handler from opts. Authenticate may be nil, in which
// case connections are only identified through the presence directory.
func NewHandler(opts Options, l logging.Logger) *Handler {
	h := &Handler{
		identities:   opts.Identities,
		data:         opts.Data,
		exporter:     opts.Exporter,
		refresher:    opts.Refresher,
		presence:     opts.Presence,
		hub:          opts.Hub,
		detached:     opts.Detached,
		metrics:      opts.Metrics,
		authenticate: opts.Authenticate,
		logger:       l.With("module", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if opts.Dev {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newConn(NewConnID(), ws, h.logger)
	if h.authenticate != nil {
		if username, ok := h.authenticate(r); ok {
			c.session.setAuth(username)
		}
	}
	h.accept(c)
	go c.writePump()

	c.Send(EventConnect, c.id)
	c.readPump(
		func(f Frame) { h.dispatch(ctx, c, f) },
		func(err error) { h.sendError(c, "", err) },
	)
	h.disconnect(c)
}

func (h *Handler) accept(c *Conn) {
	h.hub.Add(c)
	h.metrics.ConnectionOpened()
	h.logger.Debug(context.Background(), "connection opened", "conn_id", c.id)
}

// disconnect releases everything the connection held. The presence entry
// of its identity becomes Offline; nothing is pushed to it afterwards.
func (h *Handler) disconnect(c *Conn) {
	h.presence.MarkOffline(c.id)
	h.hub.Remove(c)
	c.Close()
	h.metrics.ConnectionClosed()
	h.logger.Debug(context.Background(), "connection closed", "conn_id", c.id)
}

// verify follows the presence binding of this connection before every
// event. A binding made after the upgrade, or moved to another identity by a
// later authentication check, replaces the session identity.
func (h *Handler) verify(ctx context.Context, c *Conn) {
	username, ok := h.presence.ResolveUsername(c.id)
	if !ok {
		return
	}
	if previous := c.session.Auth(); previous != username {
		c.session.setAuth(username)
		h.logger.Debug(ctx, "connection identity changed", "conn_id", c.id, "from", previous, "to", username)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *Conn, f Frame) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error(ctx, "event handler panicked", "event", f.Event, "conn_id", c.id, "panic", fmt.Sprint(p))
		}
	}()

	h.metrics.ObserveEvent(f.Event)
	h.verify(ctx, c)

	switch f.Event {
	case EventSetViewUser:
		h.setViewUser(ctx, c, f)
	case EventGetData:
		h.getData(ctx, c, f)
	case EventGetPlaceholder:
		h.getPlaceholder(ctx, c, f)
	case EventGetSubs:
		h.getSubs(ctx, c, f)
	case EventRenewComment:
		h.renewComment(ctx, c, f)
	case EventDeleteLocal:
		h.deleteLocal(ctx, c, f)
	case EventDeleteUpstream:
		h.deleteUpstream(ctx, c, f)
	case EventExport:
		h.export(ctx, c)
	case EventPage:
		h.page(ctx, c, f)
	case EventRoute:
		var route string
		_ = f.Arg(0, &route)
		h.logger.Debug(ctx, "route", "conn_id", c.id, "route", route)
	default:
		h.logger.Debug(ctx, "unknown event ignored", "event", f.Event, "conn_id", c.id)
	}
}

// errorMessage maps an error to the text shown to the client.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return "not found"
	case errors.Is(err, common.ErrStorageFailure):
		return "storage failure"
	case errors.Is(err, common.ErrUpstreamFailure):
		return "upstream failure"
	case errors.Is(err, errNoViewUser), errors.Is(err, errInvalidCategory),
		errors.Is(err, errBadArguments), errors.Is(err, errMalformedFrame):
		return err.Error()
	default:
		return common.ErrorInternal.Error()
	}
}

func (h *Handler) sendError(c *Conn, event string, err error) {
	c.Send(EventError, ErrorPayload{Event: event, Error: errorMessage(err)})
}

// SetViewTarget points the connection at username. Unknown and purged
// identities leave the subscription as it was.
func (h *Handler) SetViewTarget(ctx context.Context, c *Conn, username string) {
	identity, err := h.identities.Get(ctx, username)
	if errors.Is(err, common.ErrorNotFound) {
		c.Send(EventViewUserSet, viewUserNotFound{Error: userNotFound})
		return
	}
	if err != nil {
		h.logger.Error(ctx, "resolve view user failed", "username", username, "error", err)
		h.sendError(c, EventSetViewUser, err)
		return
	}

	previous := h.hub.Join(c, identity.Username)
	if previous != "" && previous != identity.Username {
		h.logger.Debug(ctx, "view user changed", "conn_id", c.id, "from", previous, "to", identity.Username,
			"viewers", len(h.hub.Members(identity.Username)))
	}

	c.Send(EventViewUserSet, ViewUserSet{
		Username:         identity.Username,
		IsOnline:         h.presence.IsOnline(identity.Username),
		LastUpdatedEpoch: identity.LastUpdatedEpoch,
	})
}

func (h *Handler) setViewUser(ctx context.Context, c *Conn, f Frame) {
	var username string
	if err := f.Arg(0, &username); err != nil {
		h.sendError(c, f.Event, errBadArguments)
		return
	}
	h.SetViewTarget(ctx, c, username)
}

// readScope returns the viewed identity and the filter of a read event.
func (h *Handler) readScope(c *Conn, f Frame) (string, models.Filter, bool) {
	var filter models.Filter

	view := c.session.View()
	if view == "" {
		h.sendError(c, f.Event, errNoViewUser)
		return "", filter, false
	}
	if err := f.Arg(0, &filter); err != nil {
		h.sendError(c, f.Event, errBadArguments)
		return "", filter, false
	}
	category, itemType, ok := common.ResolveCategory(filter.Category)
	if !ok {
		h.sendError(c, f.Event, errInvalidCategory)
		return "", filter, false
	}
	filter.Category = category
	if itemType != "" {
		filter.Type = itemType
	}
	return view, filter, true
}

func (h *Handler) getData(ctx context.Context, c *Conn, f Frame) {
	view, filter, ok := h.readScope(c, f)
	if !ok {
		return
	}

	var count, offset int
	if err := f.Arg(1, &count); err != nil {
		h.sendError(c, f.Event, errBadArguments)
		return
	}
	if err := f.Arg(2, &offset); err != nil {
		h.sendError(c, f.Event, errBadArguments)
		return
	}

	items, err := h.data.GetData(ctx, view, filter, count, offset)
	if err != nil {
		h.logger.Error(ctx, "get data failed", "username", view, "error", err)
		h.sendError(c, f.Event, err)
		return
	}
	if items == nil {
		items = []*models.Item{}
	}
	c.Send(EventGotData, items)
}

func (h *Handler) getPlaceholder(ctx context.Context, c *Conn, f Frame) {
	view, filter, ok := h.readScope(c, f)
	if !ok {
		return
	}

	p, err := h.data.GetPlaceholder(ctx, view, filter)
	if err != nil {
		h.logger.Error(ctx, "get placeholder failed", "username", view, "error", err)
		h.sendError(c, f.Event, err)
		return
	}
	c.Send(EventGotPlaceholder, p)
}

func (h *Handler) getSubs(ctx context.Context, c *Conn, f Frame) {
	view, filter, ok := h.readScope(c, f)
	if !ok {
		return
	}

	subs, err := h.data.GetSubs(ctx, view, filter)
	if err != nil {
		h.logger.Error(ctx, "get subs failed", "username", view, "error", err)
		h.sendError(c, f.Event, err)
		return
	}
	if subs == nil {
		subs = []string{}
	}
	c.Send(EventGotSubs, subs)
}

// writer returns the identity a write event may act on. Anything else is a
// silent no-op.
func (h *Handler) writer(ctx context.Context, c *Conn, event string) (string, bool) {
	username, ok := c.session.Writer()
	if !ok {
		h.logger.Debug(ctx, "write event ignored", "event", event, "conn_id", c.id)
	}
	return username, ok
}

func (h *Handler) renewComment(ctx context.Context, c *Conn, f Frame) {
	username, ok := h.writer(ctx, c, f.Event)
	if !ok {
		return
	}

	commentID, err := f.ArgID(0)
	if err != nil || commentID == "" {
		h.logger.Debug(ctx, "renew comment without id", "conn_id", c.id)
		return
	}

	content, err := h.data.RenewComment(ctx, username, commentID)
	if err != nil {
		h.logger.Error(ctx, "renew comment failed", "username", username, "comment_id", commentID, "error", err)
		return
	}
	c.Send(EventRenewedComment, content)
}

// itemArgs decodes the (id, category) head of a delete event. An alias
// category comes back resolved together with the item type it implies.
func itemArgs(f Frame) (id, category, itemType string, ok bool) {
	id, err := f.ArgID(0)
	if err != nil || id == "" {
		return "", "", "", false
	}
	var raw string
	if f.Arg(1, &raw) != nil {
		return "", "", "", false
	}
	category, itemType, ok = common.ResolveCategory(raw)
	return id, category, itemType, ok
}

func (h *Handler) deleteLocal(ctx context.Context, c *Conn, f Frame) {
	username, ok := h.writer(ctx, c, f.Event)
	if !ok {
		return
	}

	id, category, itemType, ok := itemArgs(f)
	if !ok {
		h.logger.Debug(ctx, "delete local with bad arguments", "conn_id", c.id)
		return
	}
	if itemType != "" {
		id = common.Fullname(id, itemType)
	}

	h.detached.Go(ctx, "delete local", func(ctx context.Context) error {
		return h.data.DeleteLocal(ctx, username, id, category)
	})
}

func (h *Handler) deleteUpstream(ctx context.Context, c *Conn, f Frame) {
	username, ok := h.writer(ctx, c, f.Event)
	if !ok {
		return
	}

	id, category, itemType, ok := itemArgs(f)
	var sent string
	if !ok || f.Arg(2, &sent) != nil {
		h.logger.Debug(ctx, "delete upstream with bad arguments", "conn_id", c.id)
		return
	}
	if itemType == "" {
		itemType = sent
	}
	if itemType != "" {
		id = common.Fullname(id, itemType)
	}

	h.detached.Go(ctx, "delete upstream", func(ctx context.Context) error {
		return h.data.DeleteUpstream(ctx, username, id, category, itemType)
	})
}

func (h *Handler) export(ctx context.Context, c *Conn) {
	username, ok := h.writer(ctx, c, EventExport)
	if !ok {
		return
	}

	token, err := h.exporter.CreateExport(ctx, username)
	if err != nil {
		h.logger.Error(ctx, "export failed", "username", username, "error", err)
		return
	}
	c.Send(EventDownload, token)
}

func (h *Handler) page(ctx context.Context, c *Conn, f Frame) {
	var name string
	if err := f.Arg(0, &name); err != nil {
		h.sendError(c, f.Event, errBadArguments)
		return
	}

	switch name {
	case PageLoading:
		h.loading(ctx, c)
	case PageAccess:
		h.access(ctx, c)
	}
}

// loading runs a full refresh for the identity registered on this
// connection and tells the connection when it is done.
func (h *Handler) loading(ctx context.Context, c *Conn) {
	username, ok := h.presence.ResolveUsername(c.id)
	if !ok {
		h.logger.Debug(ctx, "loading page without registered identity", "conn_id", c.id)
		return
	}

	connID := c.id
	h.detached.Go(ctx, "loading refresh", func(ctx context.Context) error {
		epoch, err := h.refresher.Refresh(ctx, username)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", username, err)
		}
		h.hub.Send(connID, EventStoreLastUpdated, epoch)
		return nil
	})
}

// access pushes the snapshot age and stamps the identity as active.
func (h *Handler) access(ctx context.Context, c *Conn) {
	username, ok := h.presence.ResolveUsername(c.id)
	if !ok {
		h.logger.Debug(ctx, "access page without registered identity", "conn_id", c.id)
		return
	}

	identity, err := h.identities.Get(ctx, username)
	if err != nil {
		h.logger.Error(ctx, "access page lookup failed", "username", username, "error", err)
		return
	}
	c.Send(EventStoreLastUpdated, identity.LastUpdatedEpoch)

	h.detached.Go(ctx, "touch", func(ctx context.Context) error {
		return h.identities.Touch(ctx, username)
	})
}
