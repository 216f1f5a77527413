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

// ConsentRepository keeps one consent document per subject and client.
type ConsentRepository struct {
	coll    *mongo.Collection
	retrier *retry.Retrier
}

func NewConsentRepository(ctx context.Context, db *mongo.Database, policy retry.Policy) (*ConsentRepository, error) {
	coll := db.Collection(ConsentsCollection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "subject_id", Value: 1}, {Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consent index: %w", err)
	}

	return &ConsentRepository{coll: coll, retrier: newRetrier(policy)}, nil
}

func consentFilter(subjectID, clientID string) bson.M {
	return bson.M{"subject_id": subjectID, "client_id": clientID}
}

func (r *ConsentRepository) GetConsent(ctx context.Context, subjectID, clientID string) (*domain.Consent, error) {
	return retry.Do(ctx, r.retrier, "get_consent", func() (*domain.Consent, error) {
		var c domain.Consent
		err := r.coll.FindOne(ctx, consentFilter(subjectID, clientID)).Decode(&c)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrConsentNotFound
		}
		if err != nil {
			return nil, err
		}

		return &c, nil
	})
}

func (r *ConsentRepository) SaveConsent(ctx context.Context, c *domain.Consent) error {
	return retry.Exec(ctx, r.retrier, "save_consent", func() error {
		_, err := r.coll.ReplaceOne(ctx, consentFilter(c.SubjectID, c.ClientID), c, options.Replace().SetUpsert(true))
		return err
	})
}

func (r *ConsentRepository) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	return retry.Exec(ctx, r.retrier, "revoke_consent", func() error {
		_, err := r.coll.DeleteOne(ctx, consentFilter(subjectID, clientID))
		return err
	})
}

var _ domain.ConsentRepository = (*ConsentRepository)(nil)
