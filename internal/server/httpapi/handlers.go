package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/server/services"
	"github.com/google/uuid"
)

type authCheckResponse struct {
	Username string `json:"username,omitempty"`
	UsePage  string `json:"use_page"`
}

type usersResponse struct {
	Usernames       []string `json:"usernames"`
	OnlineUsernames []string `json:"online_usernames"`
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(ctx, "write response failed", "error", err)
	}
}

func (s *Server) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	s.setStateCookie(w, state, stateCookieMaxAge)
	http.Redirect(w, r, s.deps.Authorizer.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.setStateCookie(w, "", -1)

	q := r.URL.Query()
	state, err := r.Cookie(stateCookieName)
	if err != nil || state.Value == "" || state.Value != q.Get("state") {
		s.logger.Warn(ctx, "oauth state mismatch")
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}
	if e := q.Get("error"); e != "" || q.Get("code") == "" {
		s.logger.Info(ctx, "authorization refused", "error", e)
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}

	grant, err := s.deps.Authorizer.Exchange(ctx, q.Get("code"))
	if err != nil {
		s.logger.Error(ctx, "oauth exchange failed", "error", err)
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}

	if s.deps.Policy.Denied(grant.Username) {
		if err := s.deps.Identities.Purge(ctx, grant.Username); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.logger.Error(ctx, "purge denied user failed", "username", grant.Username, "error", err)
		}
		s.deps.Presence.Remove(grant.Username)
		s.logger.Info(ctx, "denied user", "username", grant.Username)
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}

	if err := s.deps.Identities.Save(ctx, grant); err != nil {
		s.logger.Error(ctx, "save identity failed", "username", grant.Username, "error", err)
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}
	if err := s.deps.Sessions.Issue(w, grant.Username); err != nil {
		s.logger.Error(ctx, "issue session failed", "username", grant.Username, "error", err)
		http.Redirect(w, r, "/logout", http.StatusFound)
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// authenticationCheck binds the caller's realtime connection to its
// identity and tells the client which page to show.
func (s *Server) authenticationCheck(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.deps.Sessions.Resolve(w, r)
	if !ok {
		s.writeJSON(r.Context(), w, authCheckResponse{UsePage: "landing"})
		return
	}

	if connID := r.URL.Query().Get("socket_id"); connID != "" {
		s.deps.Presence.Register(identity.Username, connID)
	}

	page := "loading"
	if identity.LastUpdatedEpoch != 0 {
		page = "access"
	}
	s.writeJSON(r.Context(), w, authCheckResponse{Username: identity.Username, UsePage: page})
}

func (s *Server) getUsers(w http.ResponseWriter, r *http.Request) {
	resp := usersResponse{Usernames: []string{}, OnlineUsernames: []string{}}

	usernames, err := s.deps.Identities.ListUsernames(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "list users failed", "error", err)
		s.writeJSON(r.Context(), w, resp)
		return
	}
	if usernames != nil {
		resp.Usernames = usernames
	}
	if online := s.deps.Presence.Online(usernames); online != nil {
		resp.OnlineUsernames = online
	}
	s.writeJSON(r.Context(), w, resp)
}

// readUploads copies the recognised multipart files into memory so they
// outlive the request.
func readUploads(r *http.Request) (map[string]io.Reader, error) {
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		return nil, err
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := make(map[string]io.Reader)
	for _, field := range services.ImportFields {
		headers := r.MultipartForm.File[field]
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", field, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", field, err)
		}
		files[field] = bytes.NewReader(data)
	}
	return files, nil
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.deps.Sessions.Resolve(w, r)
	if !ok {
		http.Error(w, common.ErrorUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	files, err := readUploads(r)
	if err != nil {
		s.logger.Warn(r.Context(), "bad upload", "username", identity.Username, "error", err)
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}

	username := identity.Username
	s.deps.Detached.Go(r.Context(), "import", func(ctx context.Context) error {
		n, err := s.deps.Importer.ParseImport(ctx, username, files)
		if err != nil {
			return fmt.Errorf("import %s: %w", username, err)
		}
		s.logger.Info(ctx, "import done", "username", username, "items", n)
		return nil
	})
	w.WriteHeader(http.StatusOK)
}

// download serves an export file once, then deletes it.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.deps.Sessions.Resolve(w, r); !ok {
		http.Error(w, common.ErrorUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	token := r.URL.Query().Get("filename")
	path, err := s.deps.Downloads.Path(token)
	switch {
	case errors.Is(err, common.ErrInvalidFilename):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, common.ErrorNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error(r.Context(), "download lookup failed", "error", err)
		http.Error(w, common.ErrorInternal.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", token+".json"))
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)

	if err := s.deps.Downloads.Remove(path); err != nil {
		s.logger.Error(r.Context(), "remove export failed", "path", path, "error", err)
	}
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// purge deletes the caller's identity. The request must come from the
// connection presence holds for that identity.
func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.deps.Sessions.Resolve(w, r)
	if !ok {
		http.Error(w, common.ErrorUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	connID, online := s.deps.Presence.ResolveConnection(identity.Username)
	if !online || connID != r.URL.Query().Get("socket_id") {
		http.Error(w, common.ErrorUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	if err := s.deps.Identities.Purge(r.Context(), identity.Username); err != nil {
		s.logger.Error(r.Context(), "purge failed", "username", identity.Username, "error", err)
		_, _ = io.WriteString(w, "error")
		return
	}
	s.deps.Presence.Remove(identity.Username)
	s.deps.Sessions.Clear(w)
	_, _ = io.WriteString(w, "success")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, "ok")
}
