package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ClientRepository implements domain.ClientRepository using MongoDB.
type ClientRepository struct {
	coll    *mongo.Collection
	retrier *retry.Retrier
}

// NewClientRepository creates the repository and ensures its unique index.
func NewClientRepository(ctx context.Context, db *mongo.Database, policy retry.Policy) (*ClientRepository, error) {
	coll := db.Collection(ClientsCollection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client index: %w", err)
	}

	return &ClientRepository{coll: coll, retrier: newRetrier(policy)}, nil
}

func (r *ClientRepository) CreateClient(ctx context.Context, c *domain.Client) error {
	err := retry.Exec(ctx, r.retrier, "create_client", func() error {
		_, err := r.coll.InsertOne(ctx, c)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrClientExists
	}

	return err
}

func (r *ClientRepository) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	return retry.Do(ctx, r.retrier, "get_client", func() (*domain.Client, error) {
		var c domain.Client
		err := r.coll.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&c)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrClientNotFound
		}
		if err != nil {
			return nil, err
		}

		return &c, nil
	})
}

func (r *ClientRepository) UpdateClient(ctx context.Context, c *domain.Client) error {
	res, err := retry.Do(ctx, r.retrier, "update_client", func() (*mongo.UpdateResult, error) {
		return r.coll.ReplaceOne(ctx, bson.M{"client_id": c.ID}, c)
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrClientNotFound
	}

	return nil
}

func (r *ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	res, err := retry.Do(ctx, r.retrier, "delete_client", func() (*mongo.DeleteResult, error) {
		return r.coll.DeleteOne(ctx, bson.M{"client_id": clientID})
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrClientNotFound
	}

	return nil
}

func (r *ClientRepository) ListClients(ctx context.Context) ([]*domain.Client, error) {
	return retry.Do(ctx, r.retrier, "list_clients", func() ([]*domain.Client, error) {
		cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}}))
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var clients []*domain.Client
		if err := cursor.All(ctx, &clients); err != nil {
			return nil, err
		}

		return clients, nil
	})
}

var _ domain.ClientRepository = (*ClientRepository)(nil)
