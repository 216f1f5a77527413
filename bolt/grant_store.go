// Package bolt stores grants in an embedded bbolt database for single-node deployments.
package bolt

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	grantsBucket   = "grants"
	metadataSuffix = "_meta"
)

// grantMetadata is kept next to each grant so sweeps and family revocation
// do not decode full documents.
type grantMetadata struct {
	ExpiresAtUnixNano int64
	FamilyID          string
}

// GrantStore implements domain.GrantRepository on bbolt. bbolt serializes
// write transactions, so every state change is a single atomic Update.
type GrantStore struct {
	db *bbolt.DB
}

// Open opens or creates the database file at dbPath.
func Open(dbPath string) (*GrantStore, error) {
	// Ensure the directory for the database file exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(grantsBucket)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", grantsBucket, err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(grantsBucket + metadataSuffix)); err != nil {
			return fmt.Errorf("failed to create metadata bucket for %s: %w", grantsBucket, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("bbolt grant store opened")

	return &GrantStore{db: db}, nil
}

// Close closes the database.
func (s *GrantStore) Close() error {
	return s.db.Close()
}

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket) {
	return tx.Bucket([]byte(grantsBucket)), tx.Bucket([]byte(grantsBucket + metadataSuffix))
}

func encodeMetadata(g *domain.Grant) ([]byte, error) {
	var buf bytes.Buffer
	meta := grantMetadata{ExpiresAtUnixNano: g.ExpiresAt.UnixNano(), FamilyID: g.FamilyID}
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, fmt.Errorf("failed to encode metadata for grant %s: %w", g.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeMetadata(raw []byte) (grantMetadata, error) {
	var meta grantMetadata
	err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta)
	return meta, err
}

func getGrant(b *bbolt.Bucket, id string) (*domain.Grant, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, domain.ErrGrantNotFound
	}

	var g domain.Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to decode grant %s: %w", id, err)
	}

	return &g, nil
}

func putGrant(b *bbolt.Bucket, g *domain.Grant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode grant %s: %w", g.ID, err)
	}

	return b.Put([]byte(g.ID), raw)
}

func (s *GrantStore) CreateGrant(_ context.Context, g *domain.Grant) error {
	meta, err := encodeMetadata(g)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, metaB := buckets(tx)

		if b.Get([]byte(g.ID)) != nil {
			return domain.ErrGrantExists
		}

		if err := putGrant(b, g); err != nil {
			return err
		}

		return metaB.Put([]byte(g.ID), meta)
	})
}

func (s *GrantStore) GetGrant(_ context.Context, id string) (*domain.Grant, error) {
	var g *domain.Grant

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := buckets(tx)

		var err error
		g, err = getGrant(b, id)
		return err
	})

	return g, err
}

func (s *GrantStore) ConsumeGrant(_ context.Context, id string, kind domain.GrantKind, now time.Time) (*domain.Grant, error) {
	var g *domain.Grant

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, _ := buckets(tx)

		var err error
		g, err = getGrant(b, id)
		if err != nil {
			return err
		}

		if err := g.Usable(kind, now); err != nil {
			return err
		}

		g.Consumed = true
		g.ConsumedAt = now

		return putGrant(b, g)
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

func (s *GrantStore) RevokeGrant(_ context.Context, id string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, _ := buckets(tx)

		g, err := getGrant(b, id)
		if errors.Is(err, domain.ErrGrantNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if g.Revoked {
			return nil
		}

		g.Revoked = true
		g.RevokedAt = now

		return putGrant(b, g)
	})
}

func (s *GrantStore) RevokeGrantFamily(_ context.Context, familyID string, now time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, metaB := buckets(tx)

		var ids []string
		err := metaB.ForEach(func(k, v []byte) error {
			meta, err := decodeMetadata(v)
			if err != nil {
				return fmt.Errorf("failed to decode metadata for grant %s: %w", k, err)
			}
			if meta.FamilyID == familyID {
				ids = append(ids, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Mutating a bucket while iterating it is not allowed, so updates
		// happen after the scan.
		for _, id := range ids {
			g, err := getGrant(b, id)
			if err != nil {
				return err
			}
			if g.Revoked {
				continue
			}

			g.Revoked = true
			g.RevokedAt = now
			if err := putGrant(b, g); err != nil {
				return err
			}
			n++
		}

		return nil
	})

	return n, err
}

func (s *GrantStore) DeleteExpiredGrants(_ context.Context, now time.Time) (int, error) {
	cutoff := now.UnixNano()
	n := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, metaB := buckets(tx)

		var expired [][]byte
		err := metaB.ForEach(func(k, v []byte) error {
			meta, err := decodeMetadata(v)
			if err != nil {
				log.Warn().Err(err).Str("grant", string(k)).Msg("dropping grant with unreadable metadata")
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if meta.ExpiresAtUnixNano <= cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := metaB.Delete(k); err != nil {
				return err
			}
		}

		n = len(expired)
		return nil
	})

	return n, err
}

var _ domain.GrantRepository = (*GrantStore)(nil)
