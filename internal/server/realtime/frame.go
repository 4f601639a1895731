// Package realtime implements the websocket side of the server: the hub of
// live connections and their broadcast groups, per-connection view
// subscriptions, and the event protocol spoken with the web client.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is one message on the channel in either direction.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Client to server events.
const (
	EventSetViewUser    = "set view user"
	EventGetData        = "get data"
	EventGetPlaceholder = "get placeholder"
	EventGetSubs        = "get subs"
	EventRenewComment   = "renew comment"
	EventDeleteLocal    = "delete item from local acc"
	EventDeleteUpstream = "delete item from upstream acc"
	EventExport         = "export"
	EventPage           = "page"
	EventRoute          = "route"
)

// Server to client events.
const (
	EventConnect          = "connect"
	EventViewUserSet      = "view user set"
	EventGotData          = "got data"
	EventGotPlaceholder   = "got placeholder"
	EventGotSubs          = "got subs"
	EventRenewedComment   = "renewed comment"
	EventDownload         = "download"
	EventStoreLastUpdated = "store last updated epoch"
	EventError            = "error"
)

// Pages reported by the client through EventPage.
const (
	PageLanding = "landing"
	PageLoading = "loading"
	PageAccess  = "access"
)

// ErrorPayload is the body of EventError.
type ErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// ViewUserSet is the body of EventViewUserSet on success.
type ViewUserSet struct {
	Username         string `json:"username"`
	IsOnline         bool   `json:"is_online"`
	LastUpdatedEpoch int64  `json:"last_updated_epoch"`
}

// viewUserNotFound is sent instead of ViewUserSet for unknown identities.
type viewUserNotFound struct {
	Error string `json:"error"`
}

func encodeFrame(event string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", event, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(Frame{Event: event, Args: raw})
}

// Arg decodes argument i into v. A missing or null argument leaves v as is.
func (f Frame) Arg(i int, v any) error {
	if i >= len(f.Args) || string(f.Args[i]) == "null" {
		return nil
	}
	return json.Unmarshal(f.Args[i], v)
}

// ArgID decodes argument i as an item id. Clients send ids either as JSON
// strings or as bare numbers.
func (f Frame) ArgID(i int) (string, error) {
	if i >= len(f.Args) {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(f.Args[i]))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("id must be a string or a number, got %T", v)
	}
}
