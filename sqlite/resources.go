package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pilab-dev/arch-idp/domain"
)

func (s *Store) CreateResource(ctx context.Context, r *domain.Resource) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO resources (name, data) VALUES (?, ?)`, r.Name, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrResourceExists
		}
		return fmt.Errorf("insert resource: %w", err)
	}

	return nil
}

func (s *Store) ListResources(ctx context.Context) ([]*domain.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM resources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []*domain.Resource
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}

		var r domain.Resource
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		out = append(out, &r)
	}

	return out, rows.Err()
}

func (s *Store) DeleteResource(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}

	return nil
}

var _ domain.ResourceRepository = (*Store)(nil)
