package realtime

import "sync"

// Session is the view subscription of one connection. It moves from
// unverified (no auth) to verified, and from unviewed to viewing a single
// identity at a time.
type Session struct {
	mu   sync.Mutex
	auth string
	view string
}

func (s *Session) Auth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *Session) setAuth(username string) {
	s.mu.Lock()
	s.auth = username
	s.mu.Unlock()
}

func (s *Session) View() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// setView replaces the viewed identity and returns the previous one.
func (s *Session) setView(username string) string {
	s.mu.Lock()
	previous := s.view
	s.view = username
	s.mu.Unlock()
	return previous
}

// Writer returns the username write-scoped events act on. It is only set
// when the connection is authenticated as the identity it is viewing.
func (s *Session) Writer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == "" || s.auth != s.view {
		return "", false
	}
	return s.auth, true
}
