// Package channel persists channels, quota, relayed messages and their
// chunks.
package channel

import (
	"context"
	"errors"
	"tdmx_relay/internal/model"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrDeliveryNotFound means the message is not, or no longer, bound to
	// the transaction named in the call.
	ErrDeliveryNotFound = errors.New("message not bound to transaction")
	ErrChannelNotFound  = errors.New("channel not found")
)

type (
	// Defaults seed channels created from a peer's first authorization.
	Defaults struct {
		Limit           model.FlowLimit
		MaxMessageBytes int64
	}

	// MongoStore needs a replica set: quota reservation, delivery completion
	// and channel promotion run in multi-document transactions.
	MongoStore struct {
		client    *mongo.Client
		channels  *mongo.Collection
		temporary *mongo.Collection
		messages  *mongo.Collection
		chunks    *mongo.Collection
		receipts  *mongo.Collection
		now       func() time.Time
	}
)

func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:    client,
		channels:  db.Collection("channels"),
		temporary: db.Collection("temporary_channels"),
		messages:  db.Collection("messages"),
		chunks:    db.Collection("chunks"),
		receipts:  db.Collection("receipts"),
		now:       time.Now,
	}
}

func nameKeys(prefix string) bson.D {
	return bson.D{
		{Key: prefix + ".origin.local_name", Value: 1},
		{Key: prefix + ".origin.domain", Value: 1},
		{Key: prefix + ".origin.service_name", Value: 1},
		{Key: prefix + ".destination.local_name", Value: 1},
		{Key: prefix + ".destination.domain", Value: 1},
		{Key: prefix + ".destination.service_name", Value: 1},
	}
}

func nameFilter(name model.ChannelName) bson.M {
	return bson.M{
		"name.origin.local_name":        name.Origin.LocalName,
		"name.origin.domain":            name.Origin.Domain,
		"name.origin.service_name":      name.Origin.ServiceName,
		"name.destination.local_name":   name.Destination.LocalName,
		"name.destination.domain":       name.Destination.Domain,
		"name.destination.service_name": name.Destination.ServiceName,
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := s.channels.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: nameKeys("name"), Options: unique}); err != nil {
		return err
	}
	if _, err := s.temporary.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: nameKeys("name"), Options: options.Index().SetUnique(true)}); err != nil {
		return err
	}
	if _, err := s.chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "msg_id", Value: 1}, {Key: "position", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "written_at", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "destination", Value: 1}, {Key: "state.status", Value: 1}, {Key: "state.received_at", Value: 1}}},
		{Keys: bson.D{{Key: "state.tx_id", Value: 1}}},
	})
	return err
}

func (s *MongoStore) transaction(ctx context.Context, fn func(sc mongo.SessionContext) (any, error)) (any, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)
	return sess.WithTransaction(ctx, fn)
}

func findOne[T any](ctx context.Context, c *mongo.Collection, filter any) (*T, error) {
	var v T
	err := c.FindOne(ctx, filter).Decode(&v)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
