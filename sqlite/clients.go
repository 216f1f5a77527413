package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pilab-dev/arch-idp/domain"
)

// clientRecord is the stored form of a client. SecretHash is excluded from
// the client's JSON form, so it travels separately.
type clientRecord struct {
	Client     *domain.Client `json:"client"`
	SecretHash string         `json:"secret_hash,omitempty"`
}

func encodeClient(c *domain.Client) (string, error) {
	data, err := json.Marshal(clientRecord{Client: c, SecretHash: c.SecretHash})
	if err != nil {
		return "", fmt.Errorf("encode client: %w", err)
	}
	return string(data), nil
}

func decodeClient(data string) (*domain.Client, error) {
	var rec clientRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	if rec.Client == nil {
		return nil, fmt.Errorf("decode client: empty record")
	}
	rec.Client.SecretHash = rec.SecretHash
	return rec.Client, nil
}

func (s *Store) CreateClient(ctx context.Context, c *domain.Client) error {
	data, err := encodeClient(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, data, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrClientExists
		}
		return fmt.Errorf("insert client: %w", err)
	}

	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM clients WHERE id = ?`, clientID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrClientNotFound
		}
		return nil, fmt.Errorf("select client: %w", err)
	}

	return decodeClient(data)
}

func (s *Store) UpdateClient(ctx context.Context, c *domain.Client) error {
	data, err := encodeClient(c)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET data = ?, updated_at = ? WHERE id = ?`,
		data, toMillis(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClientNotFound
	}

	return nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClientNotFound
	}

	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]*domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*domain.Client
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}

		c, err := decodeClient(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

var _ domain.ClientRepository = (*Store)(nil)
