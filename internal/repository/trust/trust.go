package trust

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// TrustedRoot is the last root fingerprint accepted for a domain.
	TrustedRoot struct {
		Domain      string    `bson:"_id"`
		Fingerprint string    `bson:"fingerprint"`
		RecordedAt  time.Time `bson:"recorded_at"`
	}

	TrustRepo struct {
		collection *mongo.Collection
	}
)

func NewTrustRepo(db *mongo.Database) *TrustRepo {
	return &TrustRepo{
		collection: db.Collection("trusted_roots"),
	}
}

func (r *TrustRepo) RecordedRoot(ctx context.Context, domain string) (string, bool, error) {
	filter := bson.M{
		"_id": domain,
	}

	var root TrustedRoot
	err := r.collection.FindOne(ctx, filter).Decode(&root)
	if err == mongo.ErrNoDocuments {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return root.Fingerprint, true, nil
}

func (r *TrustRepo) RecordRoot(ctx context.Context, domain, fingerprint string) error {
	update := bson.M{
		"$set": bson.M{
			"fingerprint": fingerprint,
			"recorded_at": time.Now(),
		},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": domain}, update, options.Update().SetUpsert(true))
	return err
}

// MemoryRepo is the in-process TrustRepo.
type MemoryRepo struct {
	mu    sync.RWMutex
	roots map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{roots: make(map[string]string)}
}

func (r *MemoryRepo) RecordedRoot(_ context.Context, domain string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.roots[domain]
	return fp, ok, nil
}

func (r *MemoryRepo) RecordRoot(_ context.Context, domain, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[domain] = fingerprint
	return nil
}
