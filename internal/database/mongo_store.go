package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOperationTimeout = 5 * time.Second

type MongoStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	operationTimeout time.Duration
}

func NewMongoStore(client *mongo.Client, sessions *mongo.Collection, operationTimeout time.Duration) *MongoStore {
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}
	return &MongoStore{client: client, sessions: sessions, operationTimeout: operationTimeout}
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) Get(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var record SessionRecord
	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&record)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return &record, nil
}

func (ds *MongoStore) Save(ctx context.Context, record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: record.ClientID}}
	result, err := ds.sessions.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		record.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *MongoStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.sessions.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}})
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ds *MongoStore) List(ctx context.Context) ([]*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	cursor, err := ds.sessions.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}}))
	if err != nil {
		return nil, wrapMongoError(err)
	}
	records := []*SessionRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, wrapMongoError(err)
	}
	return records, nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
