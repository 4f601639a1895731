// Package httpapi serves the HTTP surface of the server: the OAuth login
// flow, the session-guarded endpoints used by the web client, and the mount
// points of the realtime channel and the metrics scrape.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/realtime"
)

const (
	maxUploadSize     = 50 << 20
	uploadMemory      = 8 << 20
	stateCookieName   = "expanse_oauth_state"
	stateCookieMaxAge = 10 * 60
	shutdownTimeout   = 5 * time.Second
)

type Identities interface {
	Get(ctx context.Context, username string) (*models.Identity, error)
	Save(ctx context.Context, grant *models.Grant) error
	Purge(ctx context.Context, username string) error
	ListUsernames(ctx context.Context) ([]string, error)
}

// Authorizer is the OAuth side of the account provider.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*models.Grant, error)
}

type Importer interface {
	ParseImport(ctx context.Context, username string, files map[string]io.Reader) (int, error)
}

// Downloads resolves and discards export files.
type Downloads interface {
	Path(token string) (string, error)
	Remove(path string) error
}

// Presence is the part of the presence directory the HTTP routes use.
type Presence interface {
	Register(username, connID string)
	ResolveConnection(username string) (string, bool)
	Online(usernames []string) []string
	Remove(username string)
}

// Deps groups the collaborators of Server.
type Deps struct {
	Identities Identities
	Authorizer Authorizer
	Importer   Importer
	Downloads  Downloads
	Presence   Presence
	Sessions   *Sessions
	Detached   *realtime.Detached
	Policy     Policy
	Realtime   http.Handler
	Metrics    http.Handler
}

// Server is the HTTP side of expanse: OAuth routes, uploads, downloads,
// metrics and the realtime upgrade.
type Server struct {
	address string
	deps    Deps
	mux     *http.ServeMux
	secure  bool
	logger  logging.Logger
}

// NewServer builds the HTTP server listening on a.
func NewServer(a string, deps Deps, secure bool, l logging.Logger) *Server {
	s := &Server{
		address: a,
		deps:    deps,
		mux:     http.NewServeMux(),
		secure:  secure,
		logger:  l.With("module", "http_server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /login", s.login)
	s.mux.HandleFunc("GET /callback", s.callback)
	s.mux.HandleFunc("GET /authentication_check", s.authenticationCheck)
	s.mux.HandleFunc("GET /get_users", s.getUsers)
	s.mux.HandleFunc("POST /upload", s.upload)
	s.mux.HandleFunc("GET /download", s.download)
	s.mux.HandleFunc("GET /logout", s.logout)
	s.mux.HandleFunc("DELETE /purge", s.purge)
	s.mux.HandleFunc("GET /health", s.health)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Realtime != nil {
		s.mux.Handle("GET /ws", s.deps.Realtime)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
