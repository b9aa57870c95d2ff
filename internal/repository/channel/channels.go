package channel

import (
	"context"
	"errors"
	"fmt"
	"tdmx_relay/internal/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func permissionField(side model.Side) (string, string) {
	if side == model.SideOrigin {
		return "authorization.origin", "authorization.unconfirmed_origin"
	}
	return "authorization.destination", "authorization.unconfirmed_destination"
}

func (s *MongoStore) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	return findOne[model.Channel](ctx, s.channels, bson.M{"_id": id})
}

func (s *MongoStore) FindChannel(ctx context.Context, name model.ChannelName) (*model.Channel, error) {
	return findOne[model.Channel](ctx, s.channels, nameFilter(name))
}

func (s *MongoStore) GetTemporaryChannel(ctx context.Context, id string) (*model.TemporaryChannel, error) {
	return findOne[model.TemporaryChannel](ctx, s.temporary, bson.M{"_id": id})
}

// CreateTemporaryChannel returns the placeholder for name, creating it if
// this is the first time a peer relays into it.
func (s *MongoStore) CreateTemporaryChannel(ctx context.Context, name model.ChannelName) (*model.TemporaryChannel, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"_id":        uuid.NewString(),
		"created_at": s.now(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var tc model.TemporaryChannel
	if err := s.temporary.FindOneAndUpdate(ctx, nameFilter(name), update, opts).Decode(&tc); err != nil {
		return nil, fmt.Errorf("upsert temporary channel: %w", err)
	}
	return &tc, nil
}

// PromoteTemporaryChannel turns a placeholder into an established channel
// carrying perm for side. If the channel was established meanwhile, perm is
// applied to it instead.
func (s *MongoStore) PromoteTemporaryChannel(ctx context.Context, tempID string, side model.Side, perm *model.EndpointPermission, defaults Defaults) (*model.Channel, error) {
	res, err := s.transaction(ctx, func(sc mongo.SessionContext) (any, error) {
		tc, err := findOne[model.TemporaryChannel](sc, s.temporary, bson.M{"_id": tempID})
		if err != nil {
			return nil, err
		}
		if tc == nil {
			return nil, ErrChannelNotFound
		}

		existing, err := findOne[model.Channel](sc, s.channels, nameFilter(tc.Name))
		if err != nil {
			return nil, err
		}
		if _, err := s.temporary.DeleteOne(sc, bson.M{"_id": tempID}); err != nil {
			return nil, err
		}
		if existing != nil {
			return s.applyPermission(sc, existing.ID, side, perm)
		}

		ch := newChannel(tc.ID, tc.Name, defaults)
		ch.Authorization.ApplyPermission(side, perm)
		if _, err := s.channels.InsertOne(sc, ch); err != nil {
			return nil, err
		}
		return ch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote temporary channel %s: %w", tempID, err)
	}
	return res.(*model.Channel), nil
}

func newChannel(id string, name model.ChannelName, defaults Defaults) *model.Channel {
	return &model.Channel{
		ID:            id,
		Name:          name,
		Authorization: &model.ChannelAuthorization{MaxMessageBytes: defaults.MaxMessageBytes},
		Quota: model.FlowQuota{
			ReceiveLimit:   defaults.Limit,
			ReceiverStatus: model.FlowOpen,
		},
	}
}

// ApplyPermission installs a verified peer permission on an established
// channel.
func (s *MongoStore) ApplyPermission(ctx context.Context, channelID string, side model.Side, perm *model.EndpointPermission) (*model.Channel, error) {
	return s.applyPermission(ctx, channelID, side, perm)
}

func (s *MongoStore) applyPermission(ctx context.Context, channelID string, side model.Side, perm *model.EndpointPermission) (*model.Channel, error) {
	field, unconfirmed := permissionField(side)
	update := bson.M{
		"$set":   bson.M{field: perm},
		"$unset": bson.M{unconfirmed: ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var ch model.Channel
	err := s.channels.FindOneAndUpdate(ctx, bson.M{"_id": channelID}, update, opts).Decode(&ch)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ConfirmLocalPermission is the administrator's side: it sets this domain's
// permission on a channel, creating the channel with defaults if needed.
func (s *MongoStore) ConfirmLocalPermission(ctx context.Context, name model.ChannelName, side model.Side, perm *model.EndpointPermission, defaults Defaults) (*model.Channel, error) {
	field, unconfirmed := permissionField(side)
	update := bson.M{
		"$set": bson.M{
			field:                             perm,
			"authorization.max_message_bytes": defaults.MaxMessageBytes,
			"quota.receive_limit":             defaults.Limit,
		},
		"$unset": bson.M{unconfirmed: ""},
		"$setOnInsert": bson.M{
			"_id":                     uuid.NewString(),
			"quota.undelivered_bytes": int64(0),
			"quota.receiver_status":   model.FlowOpen,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var ch model.Channel
	if err := s.channels.FindOneAndUpdate(ctx, nameFilter(name), update, opts).Decode(&ch); err != nil {
		return nil, fmt.Errorf("confirm permission on %s: %w", name, err)
	}
	return &ch, nil
}

// StoreDestinationSession keeps session unless the stored one was signed by
// a credential with an equal or higher serial. It reports whether session
// was stored.
func (s *MongoStore) StoreDestinationSession(ctx context.Context, channelID string, session *model.DestinationSession) (bool, error) {
	filter := bson.M{
		"_id": channelID,
		"$or": bson.A{
			bson.M{"session": nil},
			bson.M{"session.signer_serial": bson.M{"$lt": session.SignerSerial}},
		},
	}
	res, err := s.channels.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"session": session}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.channels.CountDocuments(ctx, bson.M{"_id": channelID}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrChannelNotFound
	}
	return false, nil
}

func (s *MongoStore) UpdatePeerStatus(ctx context.Context, name model.ChannelName, status model.RelayStatus) error {
	res, err := s.channels.UpdateOne(ctx, nameFilter(name), bson.M{"$set": bson.M{"peer_status": status}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *MongoStore) RecordReceipt(ctx context.Context, receipt *model.DeliveryReceipt) error {
	opts := options.Update().SetUpsert(true)
	_, err := s.receipts.UpdateOne(ctx, bson.M{"_id": receipt.MsgID}, bson.M{"$set": receipt}, opts)
	return err
}

func (s *MongoStore) GetReceipt(ctx context.Context, msgID string) (*model.DeliveryReceipt, error) {
	return findOne[model.DeliveryReceipt](ctx, s.receipts, bson.M{"_id": msgID})
}
