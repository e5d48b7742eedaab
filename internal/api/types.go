package api

import (
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/fanout"
	"github.com/relaybase/relay/internal/replication"
)

// ListSubscriptionsResponse is the GET /v1/subscriptions body.
type ListSubscriptionsResponse struct {
	Subscriptions []*directory.Subscription `json:"subscriptions"`
	Total         int                       `json:"total"`
}

// peekQuery holds the GET /v1/channels/{name}/peek query parameters.
type peekQuery struct {
	After uint64 `schema:"after"`
	Limit int    `schema:"limit"`
}

// tailQuery holds the GET /v1/channels/{name}/tail query parameters.
type tailQuery struct {
	After uint64 `schema:"after"`
}

// ChannelEntry is one retained event with its channel sequence.
type ChannelEntry struct {
	Seq   uint64        `json:"seq"`
	Event *events.Event `json:"event"`
}

// PeekResponse is the GET /v1/channels/{name}/peek body.
type PeekResponse struct {
	Channel string         `json:"channel"`
	Events  []ChannelEntry `json:"events"`
}

// SizeResponse is the GET /v1/channels/{name}/size body.
type SizeResponse struct {
	Channel string `json:"channel"`
	Size    uint64 `json:"size"`
}

// FlagResponse reports one cluster flag.
type FlagResponse struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// ListFlagsResponse is the GET /admin/flags body.
type ListFlagsResponse struct {
	Flags map[string]bool `json:"flags"`
}

// SetFlagRequest is the PUT /admin/flags/{name} body. Value is a pointer
// so a missing field is distinguishable from false.
type SetFlagRequest struct {
	Value *bool `json:"value"`
}

// MigrateResponse is the POST /admin/dedup/migrate body.
type MigrateResponse struct {
	Channel  string `json:"channel,omitempty"`
	Migrated int    `json:"migrated"`
}

// moveQuery holds the POST /admin/channels/move query parameters.
type moveQuery struct {
	From string `schema:"from"`
	To   string `schema:"to"`
}

// MoveResponse is the POST /admin/channels/move body.
type MoveResponse struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

// FanoutHealthResponse is the GET /health/fanout body. Enabled is false on
// nodes that do not run the fanout role.
type FanoutHealthResponse struct {
	Enabled bool           `json:"enabled"`
	Status  *fanout.Status `json:"status,omitempty"`
}

// ReplicationHealthResponse is the GET /health/replication body.
type ReplicationHealthResponse struct {
	Enabled bool                     `json:"enabled"`
	Running bool                     `json:"running"`
	Peers   []replication.PeerStatus `json:"peers,omitempty"`
}
