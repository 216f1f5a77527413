package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilab-dev/arch-idp/bolt"
	"github.com/pilab-dev/arch-idp/cache"
	rediscache "github.com/pilab-dev/arch-idp/cache/redis"
	"github.com/pilab-dev/arch-idp/config"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"github.com/pilab-dev/arch-idp/internal/server"
	"github.com/pilab-dev/arch-idp/memory"
	"github.com/pilab-dev/arch-idp/mongodb"
	"github.com/pilab-dev/arch-idp/redisstore"
	"github.com/pilab-dev/arch-idp/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
)

// backends holds the repositories selected by configuration.
type backends struct {
	clients   domain.ClientRepository
	resources domain.ResourceRepository
	consents  domain.ConsentRepository
	grants    domain.GrantRepository
	// cache is nil when introspection caching is disabled.
	cache cache.TokenStore

	health  map[string]server.HealthCheck
	closers []func(ctx context.Context) error
}

// openBackends connects every store the configuration refers to. On error
// the connections opened so far are closed.
func openBackends(ctx context.Context, cfg *config.ServerConfig) (b *backends, err error) {
	b = &backends{health: map[string]server.HealthCheck{}}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	var (
		sqliteStore *sqlite.Store
		mongoDB     *mongo.Database
		rdb         redis.UniversalClient
	)

	if cfg.UsesSQLite() {
		if sqliteStore, err = sqlite.Open(cfg.SQLitePath); err != nil {
			return nil, err
		}
		b.onClose(func(context.Context) error { return sqliteStore.Close() })
		b.health["sqlite"] = sqliteStore.Ping
	}

	if cfg.UsesMongo() {
		mc, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		b.onClose(func(ctx context.Context) error { mongodb.Close(ctx, mc); return nil })
		b.health["mongodb"] = func(ctx context.Context) error { return mongodb.Ping(ctx, mc) }
		mongoDB = mc.Database(cfg.MongoDBName)
	}

	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b.onClose(func(context.Context) error { return rdb.Close() })
		b.health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	switch cfg.Store {
	case config.StoreMemory:
		b.clients = memory.NewClientRepository()
		b.resources = memory.NewResourceRepository()
		b.consents = memory.NewConsentRepository()
	case config.StoreSQLite:
		b.clients, b.resources, b.consents = sqliteStore, sqliteStore, sqliteStore
	case config.StoreMongo:
		if b.clients, err = mongodb.NewClientRepository(ctx, mongoDB, retry.DefaultPolicy); err != nil {
			return nil, err
		}
		b.resources = mongodb.NewResourceRepository(mongoDB, retry.DefaultPolicy)
		if b.consents, err = mongodb.NewConsentRepository(ctx, mongoDB, retry.DefaultPolicy); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.Store)
	}

	switch cfg.GrantStore {
	case config.StoreMemory:
		b.grants = memory.NewGrantRepository()
	case config.StoreSQLite:
		b.grants = sqliteStore
	case config.StoreMongo:
		if b.grants, err = mongodb.NewGrantRepository(ctx, mongoDB, retry.DefaultPolicy); err != nil {
			return nil, err
		}
	case config.StoreRedis:
		b.grants = redisstore.NewGrantStore(rdb, cfg.RedisKeyPrefix, retry.DefaultPolicy)
	case config.StoreBolt:
		boltStore, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		b.onClose(func(context.Context) error { return boltStore.Close() })
		b.grants = boltStore
	default:
		return nil, fmt.Errorf("unsupported grant store: %s", cfg.GrantStore)
	}

	switch cfg.IntrospectionCache {
	case config.CacheMemory:
		mem := cache.NewMemoryTokenStore(cfg.CacheMaxTTL)
		b.onClose(func(context.Context) error { return mem.Close() })
		b.cache = mem
	case config.CacheRedis:
		b.cache = rediscache.NewTokenStore(rdb, cfg.RedisKeyPrefix, cfg.CacheMaxTTL)
	}

	log.Info().
		Str("store", cfg.Store).
		Str("grant_store", cfg.GrantStore).
		Str("introspection_cache", cfg.IntrospectionCache).
		Msg("storage backends ready")

	return b, nil
}

func (b *backends) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases connections in reverse order of opening.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil

	return errors.Join(errs...)
}
