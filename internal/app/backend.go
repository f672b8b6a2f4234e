package app

import (
	"context"
	"fmt"
	"log/slog"

	ddb "github.com/codewandler/evstore/adapters/dynamodb"
	natsstore "github.com/codewandler/evstore/adapters/nats"
	"github.com/codewandler/evstore/adapters/postgres"
	redisstore "github.com/codewandler/evstore/adapters/redis"
	"github.com/codewandler/evstore/adapters/sqlite"
	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/config"
)

// OpenBackend connects the backend selected by cfg.Type.
func OpenBackend(ctx context.Context, cfg config.Backend, log *slog.Logger) (es.Backend, error) {
	switch cfg.Type {
	case config.BackendMemory:
		return es.NewInMemoryBackend(), nil

	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.SQLite.Path, log)

	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Postgres.DSN, log)

	case config.BackendDynamoDB:
		return ddb.Open(ctx, ddb.Options{
			Table:          cfg.DynamoDB.Table,
			Region:         cfg.DynamoDB.Region,
			Endpoint:       cfg.DynamoDB.Endpoint,
			CreateTable:    cfg.DynamoDB.CreateTable,
			WriteRateLimit: cfg.DynamoDB.WriteRateLimit,
			WriteBurst:     cfg.DynamoDB.WriteBurst,
			Log:            log,
		})

	case config.BackendNATS:
		return natsstore.NewEventStore(ctx, natsstore.EventStoreConfig{
			Connect: natsstore.Connect(natsstore.ConnectOptions{
				URL:           cfg.NATS.URL,
				Name:          cfg.NATS.Name,
				MaxReconnects: cfg.NATS.MaxReconnects,
				ReconnectWait: cfg.NATS.ReconnectWait,
				Log:           log,
			}),
			Log:           log,
			StreamName:    cfg.NATS.StreamName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})

	case config.BackendRedis:
		return redisstore.Open(ctx, redisstore.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Log:       log,
		})

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Type)
	}
}
