// Package mongo persists the subscription directory in a single MongoDB
// collection, keyed by subscription name. Expired subscriptions are reaped
// by a TTL index; the condition tree is stored as its JSON encoding.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/metrics"
)

// Config holds the MongoDB connection settings for the directory.
type Config struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the directory store defaults.
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://localhost:27017",
		Database:       "relay",
		Collection:     "subscriptions",
		ConnectTimeout: 10 * time.Second,
	}
}

// Store is the MongoDB-backed source of truth for subscriptions.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ directory.Store = (*Store)(nil)

// record is the persisted shape of a subscription. Timestamps are unix
// milliseconds except expires_at, which must be a date for the TTL index.
type record struct {
	Name      string    `bson:"_id"`
	Condition string    `bson:"condition"`
	TTLMs     int64     `bson:"ttl_ms,omitempty"`
	EventTTL  int64     `bson:"event_ttl_ms,omitempty"`
	CreatedAt int64     `bson:"created_at"`
	UpdatedAt int64     `bson:"updated_at"`
	ExpiresAt time.Time `bson:"expires_at,omitempty"`
	System    bool      `bson:"system,omitempty"`
}

// New connects to MongoDB and ensures the directory indexes exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB at %s: %w", cfg.URI, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	// Subscription expiry. Mongo reaps lapsed definitions on its own;
	// documents without expires_at are left alone.
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

func (s *Store) Get(ctx context.Context, name string) (*directory.Subscription, error) {
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, directory.ErrNotFound
		}
		return nil, err
	}
	return decode(&rec)
}

// List returns every stored subscription. Records whose persisted
// condition no longer parses are skipped and logged so one bad definition
// never hides the rest.
func (s *Store) List(ctx context.Context) ([]*directory.Subscription, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*directory.Subscription
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		sub, err := decode(&rec)
		if err != nil {
			slog.Warn("Skipping malformed subscription", "subscription", rec.Name, "error", err)
			metrics.DirectoryMalformed.Inc()
			continue
		}
		out = append(out, sub)
	}
	return out, cur.Err()
}

func (s *Store) Put(ctx context.Context, sub *directory.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	condJSON, err := sub.Condition.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", directory.ErrInvalid, err)
	}

	now := time.Now()
	set := bson.M{
		"condition":    string(condJSON),
		"ttl_ms":       sub.TTL.Std().Milliseconds(),
		"event_ttl_ms": sub.EventTTL.Std().Milliseconds(),
		"system":       sub.System,
		"updated_at":   now.UnixMilli(),
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now.UnixMilli()},
	}
	if expiry := sub.EffectiveExpiry(now); expiry.IsZero() {
		update["$unset"] = bson.M{"expires_at": ""}
	} else {
		set["expires_at"] = expiry
	}

	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": sub.Name}, update, options.Update().SetUpsert(true))
	return err
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func decode(rec *record) (*directory.Subscription, error) {
	cond, err := condition.Parse([]byte(rec.Condition))
	if err != nil {
		return nil, err
	}
	return &directory.Subscription{
		Name:      rec.Name,
		Condition: cond,
		TTL:       directory.Duration(time.Duration(rec.TTLMs) * time.Millisecond),
		EventTTL:  directory.Duration(time.Duration(rec.EventTTL) * time.Millisecond),
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		ExpiresAt: rec.ExpiresAt,
		System:    rec.System,
	}, nil
}
