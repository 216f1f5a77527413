package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
)

func (s *Store) CreateGrant(ctx context.Context, g *domain.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants (id, kind, family_id, client_id, subject_id, expires_at, consumed, consumed_at, revoked, revoked_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, string(g.Kind), g.FamilyID, g.ClientID, g.SubjectID, toMillis(g.ExpiresAt),
		boolToInt(g.Consumed), toMillis(g.ConsumedAt), boolToInt(g.Revoked), toMillis(g.RevokedAt), string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrGrantExists
		}
		return fmt.Errorf("insert grant: %w", err)
	}

	return nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (*domain.Grant, error) {
	var (
		data                  string
		consumed, revoked     int
		consumedAt, revokedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT data, consumed, consumed_at, revoked, revoked_at FROM grants WHERE id = ?`, id,
	).Scan(&data, &consumed, &consumedAt, &revoked, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGrantNotFound
		}
		return nil, fmt.Errorf("select grant: %w", err)
	}

	var g domain.Grant
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}

	// State columns are authoritative; the document keeps the creation snapshot.
	g.Consumed = consumed != 0
	g.ConsumedAt = fromMillis(consumedAt)
	g.Revoked = revoked != 0
	g.RevokedAt = fromMillis(revokedAt)

	return &g, nil
}

func (s *Store) ConsumeGrant(ctx context.Context, id string, kind domain.GrantKind, now time.Time) (*domain.Grant, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET consumed = 1, consumed_at = ?
		WHERE id = ? AND kind = ? AND consumed = 0 AND revoked = 0 AND expires_at > ?`,
		toMillis(now), id, string(kind), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("consume grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume grant: %w", err)
	}

	g, err := s.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}

	if affected == 1 {
		return g, nil
	}

	return nil, consumeFailure(g, kind, now)
}

// consumeFailure explains why a conditional consume matched nothing. Expiry is
// judged in whole milliseconds, as the UPDATE judged it.
func consumeFailure(g *domain.Grant, kind domain.GrantKind, now time.Time) error {
	stored := *g
	stored.ExpiresAt = fromMillis(toMillis(g.ExpiresAt))

	if err := stored.Usable(kind, fromMillis(toMillis(now))); err != nil {
		return err
	}

	return domain.ErrGrantAlreadyConsumed
}

func (s *Store) RevokeGrant(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grants SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}

	return nil
}

func (s *Store) RevokeGrantFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET revoked = 1, revoked_at = ? WHERE family_id = ? AND revoked = 0`,
		toMillis(now), familyID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke grant family: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke grant family: %w", err)
	}

	return int(n), nil
}

func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}

	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.GrantRepository = (*Store)(nil)
