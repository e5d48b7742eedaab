// Package events defines the canonical update-event schema for the bus.
// All components (fanout, dedup, replication, canary) exchange these types.
package events

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeType represents the kind of mutation that produced an event.
// Values are lowercase to match the upstream change feed.
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeUpdate  ChangeType = "update"
	ChangeReplace ChangeType = "replace"
	ChangeDelete  ChangeType = "delete"
	ChangeCanary  ChangeType = "canary"
)

// IsValid checks if the change type is a known valid type.
func (c ChangeType) IsValid() bool {
	switch c {
	case ChangeInsert, ChangeUpdate, ChangeReplace, ChangeDelete, ChangeCanary:
		return true
	default:
		return false
	}
}

// Event is one update notification. It is immutable once appended to a
// channel: dedup never rewrites stored entries, it acknowledges superseded
// copies without delivering them.
type Event struct {
	// Identity
	ID    string `json:"eventId"`
	Table string `json:"table"`
	Key   string `json:"key"`

	// Change
	Type     ChangeType     `json:"changeType"`
	Document map[string]any `json:"document,omitempty"`

	// Routing and ordering
	Partition int    `json:"partition"`
	Token     uint64 `json:"token,omitempty"` // master sequence, set at first append

	// Origin is the data center an event was replicated from, stamped by
	// the sink on arrival. Empty means locally produced; replication only
	// pushes local events, which keeps peer meshes loop-free.
	Origin string `json:"origin,omitempty"`

	// Metadata
	ProducedAt int64 `json:"producedAt"` // Unix milliseconds
}

// New creates an Event with a fresh ID and the current timestamp.
// The partition is derived from the key so that all updates to one
// document land on the same master partition.
func New(table, key string, typ ChangeType, doc map[string]any, partitions int) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Table:      table,
		Key:        key,
		Type:       typ,
		Document:   doc,
		Partition:  PartitionFor(table, key, partitions),
		ProducedAt: time.Now().UnixMilli(),
	}
}

// DedupKey identifies the document a pending event refers to. Two events
// with equal dedup keys on the same channel are collapsible.
func (e *Event) DedupKey() string {
	return e.Table + "/" + e.Key
}

// Encode serializes the event for queue payloads and replication batches.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes an event payload.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PartitionFor maps a document coordinate onto one of n master partitions.
func PartitionFor(table, key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(table))
	h.Write([]byte{'/'})
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Channel naming. Subscriber channels carry the subscription name; system
// channels are prefixed so they can never collide with subscriber names
// (subscription names starting with "__" are rejected at create time).
const (
	systemPrefix      = "__"
	masterChannelBase = "__master"

	// CanaryTable is the synthetic table canary events are tagged with.
	CanaryTable = "__canary"

	// CanarySubscription is the internal subscription the canary manager
	// maintains. Its condition matches only canary events.
	CanarySubscription = "__canary"
)

// SubscriptionChannel returns the delivery channel for a subscription.
func SubscriptionChannel(subscription string) string {
	return subscription
}

// MasterChannel returns the name of one master inbound partition.
func MasterChannel(partition int) string {
	return masterChannelBase + "-" + strconv.Itoa(partition)
}

// MasterChannels returns all master partition channels.
func MasterChannels(partitions int) []string {
	if partitions <= 0 {
		partitions = 1
	}
	out := make([]string, partitions)
	for i := range out {
		out[i] = MasterChannel(i)
	}
	return out
}

// IsSystemChannel reports whether the channel belongs to the bus itself
// (master partitions, canary) rather than to a subscriber.
func IsSystemChannel(channel string) bool {
	return strings.HasPrefix(channel, systemPrefix)
}

// IsMasterChannel reports whether the channel is a master inbound partition.
func IsMasterChannel(channel string) bool {
	return strings.HasPrefix(channel, masterChannelBase+"-")
}
