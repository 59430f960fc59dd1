// Package mongo is a storage.Store on a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.pilab.hu/hoomi/storage"
)

// DefaultCollection is used when no collection name is configured.
const DefaultCollection = "hoomi_client_state"

type document struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

// Store implements storage.Store on a single collection. Expired documents are
// filtered on read and removed by a TTL index.
type Store struct {
	client     *mongo.Client // set only when the Store owns the connection
	collection *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing collection and ensures its TTL index.
func New(ctx context.Context, collection *mongo.Collection) (*Store, error) {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TTL index: %w", err)
	}
	return &Store{collection: collection}, nil
}

// Connect dials uri, pings the primary and opens dbName.collection.
func Connect(ctx context.Context, uri, dbName, collection string) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	s, err := New(ctx, client.Database(dbName).Collection(collection))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

func liveFilter(extra bson.D) bson.D {
	return append(extra, bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}}},
	}})
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.collection.FindOne(ctx, liveFilter(bson.D{{Key: "_id", Value: key}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", key, err)
	}
	return doc.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	doc := document{Key: key, Value: value, UpdatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		doc.ExpiresAt = &exp
	}

	_, err := s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Take relies on FindOneAndDelete being atomic for a single document.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.collection.FindOneAndDelete(ctx, liveFilter(bson.D{{Key: "_id", Value: key}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take %s: %w", key, err)
	}
	return doc.Value, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	filter := liveFilter(bson.D{{Key: "_id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}})
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer cursor.Close(ctx)

	var keys []string
	for cursor.Next(ctx) {
		var doc struct {
			Key string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		keys = append(keys, doc.Key)
	}
	return keys, cursor.Err()
}

// Close disconnects the client if the Store created it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
