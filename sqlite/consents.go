package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pilab-dev/arch-idp/domain"
)

func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*domain.Consent, error) {
	var (
		scopes    string
		grantedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT scopes, granted_at FROM consents WHERE subject_id = ? AND client_id = ?`,
		subjectID, clientID,
	).Scan(&scopes, &grantedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrConsentNotFound
		}
		return nil, fmt.Errorf("select consent: %w", err)
	}

	c := &domain.Consent{SubjectID: subjectID, ClientID: clientID, GrantedAt: fromMillis(grantedAt)}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decode consent scopes: %w", err)
	}

	return c, nil
}

func (s *Store) SaveConsent(ctx context.Context, c *domain.Consent) error {
	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("encode consent scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consents (subject_id, client_id, scopes, granted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id, client_id) DO UPDATE SET
			scopes = excluded.scopes,
			granted_at = excluded.granted_at`,
		c.SubjectID, c.ClientID, string(scopes), toMillis(c.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert consent: %w", err)
	}

	return nil
}

func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM consents WHERE subject_id = ? AND client_id = ?`, subjectID, clientID)
	if err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}

	return nil
}

var _ domain.ConsentRepository = (*Store)(nil)
