package mongodb

import (
	"context"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResourceRepository stores resources keyed by name.
type ResourceRepository struct {
	coll    *mongo.Collection
	retrier *retry.Retrier
}

func NewResourceRepository(db *mongo.Database, policy retry.Policy) *ResourceRepository {
	return &ResourceRepository{coll: db.Collection(ResourcesCollection), retrier: newRetrier(policy)}
}

func (r *ResourceRepository) CreateResource(ctx context.Context, res *domain.Resource) error {
	err := retry.Exec(ctx, r.retrier, "create_resource", func() error {
		_, err := r.coll.InsertOne(ctx, res)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrResourceExists
	}

	return err
}

func (r *ResourceRepository) ListResources(ctx context.Context) ([]*domain.Resource, error) {
	return retry.Do(ctx, r.retrier, "list_resources", func() ([]*domain.Resource, error) {
		cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var resources []*domain.Resource
		if err := cursor.All(ctx, &resources); err != nil {
			return nil, err
		}

		return resources, nil
	})
}

func (r *ResourceRepository) DeleteResource(ctx context.Context, name string) error {
	return retry.Exec(ctx, r.retrier, "delete_resource", func() error {
		_, err := r.coll.DeleteOne(ctx, bson.M{"_id": name})
		return err
	})
}

var _ domain.ResourceRepository = (*ResourceRepository)(nil)
