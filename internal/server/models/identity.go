// Package models defines server-side data models persisted in the database
// and exchanged over the realtime channel.
package models

// Identity is a registered, provider-linked user. Username is the primary
// key and never changes once created.
type Identity struct {
	Username         string `msgpack:"username"`
	RefreshToken     string `msgpack:"refresh_token"`
	LastUpdatedEpoch int64  `msgpack:"last_updated_epoch"`
	LastActiveEpoch  int64  `msgpack:"last_active_epoch"`
	Purged           bool   `msgpack:"purged"`
}

// IdentityUpdate lists the mutable identity fields. Nil fields are left
// untouched by the repository.
type IdentityUpdate struct {
	RefreshToken     *string
	LastUpdatedEpoch *int64
	LastActiveEpoch  *int64
}

// Grant is what the provider hands back after a completed OAuth exchange.
type Grant struct {
	Username     string
	RefreshToken string
}
