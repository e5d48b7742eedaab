// Package directory manages subscription definitions: who wants which
// events, retained for how long. The durable store is the source of truth;
// the cached wrapper in directory/cached is what the fanout actually reads.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/events"
)

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalid wraps validation failures on create/update.
	ErrInvalid = errors.New("invalid subscription")
)

// Subscription names are subscriber-chosen and become channel names, so
// they are restricted to a safe charset. The "__" prefix is reserved for
// subscriptions the bus maintains itself.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const systemNamePrefix = "__"

// Duration marshals as a human-readable duration string ("24h") in JSON
// and YAML, and also accepts plain nanosecond numbers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var i int64
	if err := value.Decode(&i); err == nil {
		*d = Duration(time.Duration(i))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	tmp, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(tmp)
	return nil
}

// Subscription is one subscriber's standing request for events. Each
// subscription owns exactly one delivery channel, named after it.
type Subscription struct {
	Name      string               `json:"name"`
	Condition *condition.Condition `json:"condition"`

	// TTL is how long the subscription itself lives without being
	// re-put. Zero means it never expires.
	TTL Duration `json:"ttl,omitempty"`

	// EventTTL bounds how long undelivered events are retained on the
	// subscription's channel.
	EventTTL Duration `json:"eventTtl,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	// System marks subscriptions the bus maintains for itself (canary).
	// Only system subscriptions may use the reserved "__" name prefix.
	System bool `json:"system,omitempty"`
}

// Channel returns the delivery channel this subscription owns.
func (s *Subscription) Channel() string {
	return events.SubscriptionChannel(s.Name)
}

// Expired reports whether the subscription has lapsed at the given time.
// A zero ExpiresAt never expires.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// EffectiveExpiry resolves the expiry a write should persist. An explicit
// ExpiresAt wins; otherwise a positive TTL counts from now. Re-putting a
// subscription with a TTL therefore renews it.
func (s *Subscription) EffectiveExpiry(now time.Time) time.Time {
	if !s.ExpiresAt.IsZero() {
		return s.ExpiresAt
	}
	if s.TTL > 0 {
		return now.Add(time.Duration(s.TTL))
	}
	return time.Time{}
}

// Validate checks the subscription before it is persisted.
func (s *Subscription) Validate() error {
	if !nameRe.MatchString(s.Name) {
		return fmt.Errorf("%w: name must match %s", ErrInvalid, nameRe.String())
	}
	if strings.HasPrefix(s.Name, systemNamePrefix) && !s.System {
		return fmt.Errorf("%w: the %q name prefix is reserved", ErrInvalid, systemNamePrefix)
	}
	if s.Condition == nil {
		return fmt.Errorf("%w: condition is required", ErrInvalid)
	}
	if err := s.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.TTL < 0 || s.EventTTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalid)
	}
	return nil
}

// Store is the durable subscription directory. Put has upsert semantics:
// re-putting an existing name replaces its definition and renews its TTL.
type Store interface {
	Get(ctx context.Context, name string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Put(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, name string) error
	Close(ctx context.Context) error
}
