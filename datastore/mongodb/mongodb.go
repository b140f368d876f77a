// Package mongodb implements the datastore on MongoDB. Each reference is a
// document keyed by its name, and compare-and-swap is a filtered single
// document write, which MongoDB applies atomically.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/caiatech/refgraph/datastore"
)

// Register MongoDB adapter with the datastore factory
func init() {
	datastore.Register(datastore.TypeMongoDB, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config)
	})
}

type objectDoc struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
}

// refDoc stores both fields unconditionally so CAS filters can match the
// empty one.
type refDoc struct {
	ID       string `bson:"_id"`
	Target   string `bson:"target"`
	Symbolic string `bson:"symbolic"`
}

func (d refDoc) entry() datastore.RefEntry {
	return datastore.RefEntry{Target: d.Target, Symbolic: d.Symbolic}
}

type configDoc struct {
	ID    string `bson:"_id"`
	Value string `bson:"value"`
}

// MongoStore implements DataStore using MongoDB
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
	objects  *mongo.Collection
	refs     *mongo.Collection
	settings *mongo.Collection

	config datastore.Config
	mu     sync.RWMutex
	closed bool

	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64
	startTime time.Time
}

// New creates a new MongoDB-backed datastore
func New(config datastore.Config) (*MongoStore, error) {
	if config.Connection == "" {
		config.Connection = "mongodb://localhost:27017"
	}

	return &MongoStore{
		config:    config,
		startTime: time.Now(),
	}, nil
}

// Initialize connects and pings the server.
func (s *MongoStore) Initialize(config datastore.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return datastore.ErrClosed
	}

	clientOptions := options.Client().ApplyURI(config.Connection)
	if config.MaxConnections > 0 {
		clientOptions.SetMaxPoolSize(uint64(config.MaxConnections))
	}
	if config.MaxIdleConnections > 0 {
		clientOptions.SetMinPoolSize(uint64(config.MaxIdleConnections))
	}
	if config.ConnectionTimeout > 0 {
		clientOptions.SetConnectTimeout(config.ConnectionTimeout)
	}

	client, err := mongo.Connect(context.Background(), clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s.client = client
	s.database = client.Database(config.GetStringOption("database", "refgraph"))
	prefix := config.GetStringOption("collection_prefix", "")
	s.objects = s.database.Collection(prefix + "objects")
	s.refs = s.database.Collection(prefix + "refs")
	s.settings = s.database.Collection(prefix + "config")
	return nil
}

// Close closes the MongoDB connection
func (s *MongoStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *MongoStore) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return datastore.ErrClosed
	}
	if s.client == nil {
		return datastore.ErrNotInitialized
	}
	return nil
}

// HealthCheck verifies MongoDB is accessible
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Type() string {
	return datastore.TypeMongoDB
}

func (s *MongoStore) Info() map[string]interface{} {
	info := map[string]interface{}{
		"type": datastore.TypeMongoDB,
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
	if s.database != nil {
		info["database"] = s.database.Name()
	}
	return info
}

func (s *MongoStore) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *MongoStore) RefStore() datastore.RefStore {
	return s
}

func prefixFilter(prefix string) bson.M {
	if prefix == "" {
		return bson.M{}
	}
	return bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
}

// Objects

func (s *MongoStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	var doc objectDoc
	err := s.objects.FindOne(ctx, bson.M{"_id": hash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, datastore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	return doc.Data, nil
}

func (s *MongoStore) PutObject(ctx context.Context, hash string, data []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	_, err := s.objects.InsertOne(ctx, objectDoc{ID: hash, Data: data})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err == nil {
		s.writes.Add(1)
	}
	return err
}

func (s *MongoStore) HasObject(ctx context.Context, hash string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	n, err := s.objects.CountDocuments(ctx, bson.M{"_id": hash}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.objects.Find(ctx, prefixFilter(prefix), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var hashes []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		hashes = append(hashes, doc.ID)
	}
	return hashes, cursor.Err()
}

func (s *MongoStore) CountObjects(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.objects.CountDocuments(ctx, bson.M{})
}

// Refs

func (s *MongoStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	var doc refDoc
	err := s.refs.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	if err != nil {
		return datastore.RefEntry{}, err
	}
	return doc.entry(), nil
}

func (s *MongoStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.refs.ReplaceOne(ctx, bson.M{"_id": name},
		refDoc{ID: name, Target: entry.Target, Symbolic: entry.Symbolic},
		options.Replace().SetUpsert(true))
	if err == nil {
		s.writes.Add(1)
	}
	return err
}

func (s *MongoStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	if err := s.ready(); err != nil {
		return err
	}

	var applied bool
	switch {
	case old == nil && next == nil:
		n, err := s.refs.CountDocuments(ctx, bson.M{"_id": name}, options.Count().SetLimit(1))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	case old == nil:
		_, err := s.refs.InsertOne(ctx, refDoc{ID: name, Target: next.Target, Symbolic: next.Symbolic})
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return err
		}
		applied = err == nil
	default:
		filter := bson.M{"_id": name, "target": old.Target, "symbolic": old.Symbolic}
		if next == nil {
			res, err := s.refs.DeleteOne(ctx, filter)
			if err != nil {
				return err
			}
			applied = res.DeletedCount == 1
		} else {
			res, err := s.refs.UpdateOne(ctx, filter,
				bson.M{"$set": bson.M{"target": next.Target, "symbolic": next.Symbolic}})
			if err != nil {
				return err
			}
			applied = res.MatchedCount == 1
		}
	}

	if !applied {
		s.conflicts.Add(1)
		return datastore.ErrConflict
	}
	s.writes.Add(1)
	return nil
}

func (s *MongoStore) DeleteRef(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.refs.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return datastore.ErrNotFound
	}
	s.writes.Add(1)
	return nil
}

func (s *MongoStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	cursor, err := s.refs.Find(ctx, prefixFilter(prefix))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	result := make(map[string]datastore.RefEntry)
	for cursor.Next(ctx) {
		var doc refDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		result[doc.ID] = doc.entry()
	}
	return result, cursor.Err()
}

// Config

func (s *MongoStore) GetConfig(ctx context.Context, key string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	var doc configDoc
	err := s.settings.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", datastore.ErrNotFound
	}
	return doc.Value, err
}

func (s *MongoStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.settings.ReplaceOne(ctx, bson.M{"_id": key},
		configDoc{ID: key, Value: value}, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeleteConfig(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.settings.DeleteOne(ctx, bson.M{"_id": key})
	return err
}
