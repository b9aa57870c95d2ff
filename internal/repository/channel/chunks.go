package channel

import (
	"context"
	"tdmx_relay/internal/model"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PersistChunk writes a chunk, replacing an earlier copy of the same
// position so a retried chunk is stored once.
func (s *MongoStore) PersistChunk(ctx context.Context, chunk *model.Chunk) error {
	chunk.WrittenAt = s.now()
	_, err := s.chunks.UpdateOne(ctx,
		bson.M{"msg_id": chunk.MsgID, "position": chunk.Position},
		bson.M{"$set": chunk},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetChunk(ctx context.Context, msgID string, pos int) (*model.Chunk, error) {
	return findOne[model.Chunk](ctx, s.chunks, bson.M{"msg_id": msgID, "position": pos})
}

// DeleteChunks retracts every chunk written for msgID.
func (s *MongoStore) DeleteChunks(ctx context.Context, msgID string) (int64, error) {
	res, err := s.chunks.DeleteMany(ctx, bson.M{"msg_id": msgID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// DeleteOrphanChunks removes the chunks of messages that are not stored and
// whose newest chunk was written before cutoff. A message still receiving
// chunks keeps all of them.
func (s *MongoStore) DeleteOrphanChunks(ctx context.Context, writtenBefore time.Time) (int64, error) {
	cur, err := s.chunks.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$msg_id", "newest": bson.M{"$max": "$written_at"}}}},
		{{Key: "$match", Value: bson.M{"newest": bson.M{"$lt": writtenBefore}}}},
		{{Key: "$lookup", Value: bson.M{"from": s.messages.Name(), "localField": "_id", "foreignField": "_id", "as": "stored"}}},
		{{Key: "$match", Value: bson.M{"stored": bson.M{"$size": 0}}}},
		{{Key: "$project", Value: bson.M{"_id": 1}}},
	})
	if err != nil {
		return 0, err
	}
	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &stale); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	orphans := make(bson.A, 0, len(stale))
	for _, o := range stale {
		orphans = append(orphans, o.ID)
	}
	res, err := s.chunks.DeleteMany(ctx, bson.M{
		"msg_id":     bson.M{"$in": orphans},
		"written_at": bson.M{"$lt": writtenBefore},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
