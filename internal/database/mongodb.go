package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stratumhq/stratum/internal/dberr"
)

// ConnectMongo opens a connection and returns the client. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the composite and TTL indexes the data layer
// depends on. Safe to call repeatedly; index creation is idempotent.
func EnsureIndexes(ctx context.Context, db *mongo.Database, sessionCollection, contentCollection string) error {
	sessions := []mongo.IndexModel{
		// TTL cleanup of expired sessions.
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "expiresAt", Value: 1}, {Key: "rotated", Value: 1}}},
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := db.Collection(sessionCollection).Indexes().CreateMany(ctx, sessions); err != nil {
		return fmt.Errorf("session indexes: %w", err)
	}

	content := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "parentId", Value: 1}, {Key: "order", Value: 1}}},
	}
	if _, err := db.Collection(contentCollection).Indexes().CreateMany(ctx, content); err != nil {
		return fmt.Errorf("content indexes: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a storage transaction, committing when fn
// returns nil and aborting when it returns an error or panics. The session
// context passed to fn must be used for every operation in the transaction.
func WithTransaction(ctx context.Context, client *mongo.Client, fn func(sc mongo.SessionContext) error) error {
	sess, err := client.StartSession()
	if err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "start session", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	if err != nil {
		return dberr.FromMongo(dberr.CodeTransaction, err)
	}
	return nil
}
