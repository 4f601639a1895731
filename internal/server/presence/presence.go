// Package presence tracks which identities currently hold a live realtime
// connection. The directory keeps a forward map (username to state) and a
// reverse map (connection to username) that are mutual inverses for every
// online entry.
package presence

import (
	"sync"
)

// State is the presence of one username: Online with the id of its live
// connection, or Offline.
type State struct {
	ConnID string
}

// Offline is the zero State.
var Offline = State{}

// Online returns the State of a username holding connID.
func Online(connID string) State {
	return State{ConnID: connID}
}

// IsOnline reports whether the state refers to a live connection.
func (s State) IsOnline() bool {
	return s.ConnID != ""
}

// Directory is the in-memory presence directory. It is safe for concurrent
// use; no lock is held while calling out of the package.
type Directory struct {
	mu      sync.RWMutex
	byUser  map[string]State
	byConn  map[string]string
	onEvent func(online int)
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byUser: make(map[string]State),
		byConn: make(map[string]string),
	}
}

// OnChange registers fn to be called with the online count after every
// mutation. Used for metrics.
func (d *Directory) OnChange(fn func(online int)) {
	d.mu.Lock()
	d.onEvent = fn
	d.mu.Unlock()
}

func (d *Directory) notify() {
	d.mu.RLock()
	fn := d.onEvent
	d.mu.RUnlock()
	if fn != nil {
		fn(d.OnlineCount())
	}
}

// Seed inserts an Offline entry for every username not already known.
func (d *Directory) Seed(usernames []string) {
	d.mu.Lock()
	for _, u := range usernames {
		if _, ok := d.byUser[u]; !ok {
			d.byUser[u] = Offline
		}
	}
	d.mu.Unlock()
}

// Register records connID as the live connection of username. The newest
// registration wins: any connection previously held by username and any
// username previously bound to connID are released.
func (d *Directory) Register(username, connID string) {
	if username == "" || connID == "" {
		return
	}

	d.mu.Lock()
	if prev, ok := d.byUser[username]; ok && prev.IsOnline() && prev.ConnID != connID {
		delete(d.byConn, prev.ConnID)
	}
	if prevUser, ok := d.byConn[connID]; ok && prevUser != username {
		d.byUser[prevUser] = Offline
	}
	d.byUser[username] = Online(connID)
	d.byConn[connID] = username
	d.mu.Unlock()

	d.notify()
}

// ResolveConnection returns the live connection of username, if any.
func (d *Directory) ResolveConnection(username string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byUser[username]
	if !ok || !s.IsOnline() {
		return "", false
	}
	return s.ConnID, true
}

// ResolveUsername returns the username bound to connID, if any.
func (d *Directory) ResolveUsername(connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byConn[connID]
	return u, ok
}

// MarkOffline releases connID. The username key is kept with an Offline
// state so background cycles still see the identity.
func (d *Directory) MarkOffline(connID string) {
	d.mu.Lock()
	u, ok := d.byConn[connID]
	if ok {
		delete(d.byConn, connID)
		if s := d.byUser[u]; s.ConnID == connID {
			d.byUser[u] = Offline
		}
	}
	d.mu.Unlock()

	if ok {
		d.notify()
	}
}

// Remove forgets username entirely, e.g. after a purge.
func (d *Directory) Remove(username string) {
	d.mu.Lock()
	s, ok := d.byUser[username]
	if ok {
		if s.IsOnline() {
			delete(d.byConn, s.ConnID)
		}
		delete(d.byUser, username)
	}
	d.mu.Unlock()

	if ok {
		d.notify()
	}
}

// IsOnline reports whether username holds a live connection.
func (d *Directory) IsOnline(username string) bool {
	_, ok := d.ResolveConnection(username)
	return ok
}

// Online filters usernames down to those currently online, keeping order.
func (d *Directory) Online(usernames []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := []string{}
	for _, u := range usernames {
		if d.byUser[u].IsOnline() {
			result = append(result, u)
		}
	}
	return result
}

// OnlineCount returns the number of live connections.
func (d *Directory) OnlineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byConn)
}
