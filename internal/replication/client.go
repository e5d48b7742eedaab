package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaybase/relay/internal/peerauth"
)

// Peer is one remote data center's replication endpoint.
type Peer struct {
	// ID is the peer data center's identity, as used in auth tokens and
	// cursor keys.
	ID string `yaml:"id"`
	// URL is the base URL of the peer's relay API.
	URL string `yaml:"url"`
	// Secret is the HS256 secret shared with this peer.
	Secret string `yaml:"secret"`
}

// Client pushes replication batches to peer sinks.
type Client struct {
	client *http.Client
	keys   *peerauth.Keyring
}

// NewClient creates a push client minting tokens from the keyring.
func NewClient(keys *peerauth.Keyring, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		keys: keys,
	}
}

// Push sends one in-order batch for a channel and returns the peer's
// per-event acknowledgments.
func (c *Client) Push(ctx context.Context, peer Peer, channel string, batch []PushedEvent) (*PushResponse, error) {
	payload, err := json.Marshal(PushRequest{Channel: channel, Events: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", peer.URL+"/replication/v1/push", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := c.authorize(req, peer); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push to %s failed: %w", peer.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push to %s failed with status: %d: %s", peer.ID, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response from %s: %w", peer.ID, err)
	}
	return &out, nil
}

// Cursor asks the peer's sink for its durable applied position on a
// channel. Used to seed a fresh outbound cursor without replaying
// history.
func (c *Client) Cursor(ctx context.Context, peer Peer, channel string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		peer.URL+"/replication/v1/cursor?channel="+url.QueryEscape(channel), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if err := c.authorize(req, peer); err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cursor query to %s failed: %w", peer.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cursor query to %s failed with status: %d: %s", peer.ID, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out CursorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode cursor response from %s: %w", peer.ID, err)
	}
	return out.Applied, nil
}

func (c *Client) authorize(req *http.Request, peer Peer) error {
	token, err := c.keys.Mint(peer.ID)
	if err != nil {
		return fmt.Errorf("failed to mint peer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "Relay-Replication/1.0")
	return nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(b))
}
