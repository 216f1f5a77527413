package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// expiredRetention is how long the TTL index keeps expired grants when the
// sweeper is not running.
const expiredRetention = 24 * time.Hour

// GrantRepository implements domain.GrantRepository. Redemption is a single
// conditional findAndModify, so concurrent consumers race inside the server.
type GrantRepository struct {
	coll    *mongo.Collection
	retrier *retry.Retrier
}

func NewGrantRepository(ctx context.Context, db *mongo.Database, policy retry.Policy) (*GrantRepository, error) {
	coll := db.Collection(GrantsCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "family_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(expiredRetention.Seconds())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create grant indexes: %w", err)
	}

	return &GrantRepository{coll: coll, retrier: newRetrier(policy)}, nil
}

func (r *GrantRepository) CreateGrant(ctx context.Context, g *domain.Grant) error {
	err := retry.Exec(ctx, r.retrier, "create_grant", func() error {
		_, err := r.coll.InsertOne(ctx, g)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrGrantExists
	}

	return err
}

func (r *GrantRepository) GetGrant(ctx context.Context, id string) (*domain.Grant, error) {
	return retry.Do(ctx, r.retrier, "get_grant", func() (*domain.Grant, error) {
		var g domain.Grant
		err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&g)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrGrantNotFound
		}
		if err != nil {
			return nil, err
		}

		return &g, nil
	})
}

func (r *GrantRepository) ConsumeGrant(ctx context.Context, id string, kind domain.GrantKind, now time.Time) (*domain.Grant, error) {
	filter := bson.M{
		"_id":        id,
		"kind":       kind,
		"consumed":   false,
		"revoked":    false,
		"expires_at": bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"consumed": true, "consumed_at": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	// A retried call whose first attempt already landed reports
	// ErrGrantAlreadyConsumed, which fails closed.
	g, err := retry.Do(ctx, r.retrier, "consume_grant", func() (*domain.Grant, error) {
		var g domain.Grant
		if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&g); err != nil {
			return nil, err
		}
		return &g, nil
	})
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	current, err := r.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	// BSON dates hold milliseconds; judge expiry at the precision the filter used.
	if err := current.Usable(kind, now.Truncate(time.Millisecond)); err != nil {
		return nil, err
	}

	return nil, domain.ErrGrantAlreadyConsumed
}

func (r *GrantRepository) RevokeGrant(ctx context.Context, id string, now time.Time) error {
	return retry.Exec(ctx, r.retrier, "revoke_grant", func() error {
		_, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "revoked": false},
			bson.M{"$set": bson.M{"revoked": true, "revoked_at": now}},
		)
		return err
	})
}

func (r *GrantRepository) RevokeGrantFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	res, err := retry.Do(ctx, r.retrier, "revoke_grant_family", func() (*mongo.UpdateResult, error) {
		return r.coll.UpdateMany(ctx,
			bson.M{"family_id": familyID, "revoked": false},
			bson.M{"$set": bson.M{"revoked": true, "revoked_at": now}},
		)
	})
	if err != nil {
		return 0, err
	}

	return int(res.ModifiedCount), nil
}

func (r *GrantRepository) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := retry.Do(ctx, r.retrier, "delete_expired_grants", func() (*mongo.DeleteResult, error) {
		return r.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	})
	if err != nil {
		return 0, err
	}

	return int(res.DeletedCount), nil
}

var _ domain.GrantRepository = (*GrantRepository)(nil)
