package channel

import (
	"context"
	"errors"
	"fmt"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/protocol/flowcontrol"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// releaseQuota gives length bytes back to a channel in a single update:
// undelivered bytes never go below zero and flow control reopens once they
// reach the low mark.
func releaseQuota(length int64) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "quota.undelivered_bytes", Value: bson.D{{Key: "$max", Value: bson.A{
				int64(0),
				bson.D{{Key: "$subtract", Value: bson.A{"$quota.undelivered_bytes", length}}},
			}}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "quota.receiver_status", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$lte", Value: bson.A{"$quota.undelivered_bytes", "$quota.receive_limit.low_mark_bytes"}}},
				string(model.FlowOpen),
				"$quota.receiver_status",
			}}}},
		}}},
	}
}

// ReserveAndPersistMessage re-evaluates admission, reserves the payload
// length against the channel quota and stores msg, all in one transaction.
// A rejected decision leaves both untouched.
func (s *MongoStore) ReserveAndPersistMessage(ctx context.Context, msg *model.ChannelMessage) (flowcontrol.Decision, error) {
	res, err := s.transaction(ctx, func(sc mongo.SessionContext) (any, error) {
		ch, err := findOne[model.Channel](sc, s.channels, bson.M{"_id": msg.ChannelID})
		if err != nil {
			return nil, err
		}
		if ch == nil {
			return nil, ErrChannelNotFound
		}

		now := s.now()
		d := flowcontrol.Evaluate(ch, msg.Payload.PayloadLength, now)
		if !d.Admitted() {
			return d, nil
		}

		ch.Quota.Reserve(msg.Payload.PayloadLength)
		if _, err := s.channels.UpdateOne(sc, bson.M{"_id": ch.ID}, bson.M{"$set": bson.M{"quota": ch.Quota}}); err != nil {
			return nil, err
		}
		msg.State.Status = model.StatusReady
		msg.State.ReceivedAt = now
		if _, err := s.messages.InsertOne(sc, msg); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, model.NewRelayError(model.InvalidMsgId, "message %s already relayed", msg.ID)
			}
			return nil, err
		}
		d.Status = ch.RelayStatus(now)
		return d, nil
	})
	if err != nil {
		return flowcontrol.Decision{}, fmt.Errorf("reserve and persist %s: %w", msg.ID, err)
	}
	return res.(flowcontrol.Decision), nil
}

func (s *MongoStore) MessageExists(ctx context.Context, msgID string) (bool, error) {
	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": msgID}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) GetMessage(ctx context.Context, msgID string) (*model.ChannelMessage, error) {
	return findOne[model.ChannelMessage](ctx, s.messages, bson.M{"_id": msgID})
}

func (s *MongoStore) FetchPending(ctx context.Context, destination string, limit int) ([]string, bool, error) {
	filter := bson.M{
		"destination":  destination,
		"state.status": model.StatusReady,
		"state.tx_id":  bson.M{"$exists": false},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "state.received_at", Value: 1}}).
		SetLimit(int64(limit + 1)).
		SetProjection(bson.M{"_id": 1})

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, false, err
	}

	more := len(docs) > limit
	if more {
		docs = docs[:limit]
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, more, nil
}

func (s *MongoStore) BeginDelivery(ctx context.Context, msgID, txID string) (*model.ChannelMessage, error) {
	filter := bson.M{
		"_id":          msgID,
		"state.status": model.StatusReady,
		"state.tx_id":  bson.M{"$exists": false},
	}
	update := bson.M{
		"$set": bson.M{
			"state.tx_id":         txID,
			"state.tx_prepared":   false,
			"state.tx_started_at": s.now(),
		},
		"$inc": bson.M{"state.delivery_count": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg model.ChannelMessage
	err := s.messages.FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MongoStore) MarkPrepared(ctx context.Context, msgID, txID string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": msgID, "state.tx_id": txID, "state.status": model.StatusReady},
		bson.M{"$set": bson.M{"state.tx_prepared": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *MongoStore) MarkProcessed(ctx context.Context, msgID, txID string) error {
	return s.finish(ctx, msgID, txID, model.StatusProcessed)
}

func (s *MongoStore) MarkFailed(ctx context.Context, msgID, txID string) error {
	return s.finish(ctx, msgID, txID, model.StatusFailed)
}

// finish moves a bound message to a final status, releases its quota and
// drops its chunks.
func (s *MongoStore) finish(ctx context.Context, msgID, txID string, status model.MessageStatus) error {
	_, err := s.transaction(ctx, func(sc mongo.SessionContext) (any, error) {
		var msg model.ChannelMessage
		err := s.messages.FindOneAndUpdate(sc,
			bson.M{"_id": msgID, "state.tx_id": txID, "state.status": model.StatusReady},
			bson.M{"$set": bson.M{"state.status": status}},
		).Decode(&msg)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrDeliveryNotFound
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.channels.UpdateOne(sc, bson.M{"_id": msg.ChannelID}, releaseQuota(msg.Payload.PayloadLength)); err != nil {
			return nil, err
		}
		_, err = s.chunks.DeleteMany(sc, bson.M{"msg_id": msgID})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", msgID, status, err)
	}
	return nil
}

func (s *MongoStore) ReleaseDelivery(ctx context.Context, msgID, txID string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": msgID, "state.tx_id": txID},
		bson.M{
			"$unset": bson.M{"state.tx_id": "", "state.tx_started_at": ""},
			"$set":   bson.M{"state.tx_prepared": false},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *MongoStore) PreparedDeliveries(ctx context.Context, destination string) ([]*model.ChannelMessage, error) {
	cur, err := s.messages.Find(ctx, bson.M{
		"destination":       destination,
		"state.status":      model.StatusReady,
		"state.tx_prepared": true,
	})
	if err != nil {
		return nil, err
	}
	var msgs []*model.ChannelMessage
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MongoStore) ReleaseStaleDeliveries(ctx context.Context, startedBefore time.Time) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{
			"state.status":        model.StatusReady,
			"state.tx_prepared":   false,
			"state.tx_started_at": bson.M{"$lt": startedBefore},
		},
		bson.M{"$unset": bson.M{"state.tx_id": "", "state.tx_started_at": ""}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
