package main

import (
	"context"
	"fmt"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/config"
	"github.com/olivere/mongoqueue/mongodb"
	"github.com/olivere/mongoqueue/mongodriver"
	"github.com/olivere/mongoqueue/mysql"
	"github.com/olivere/mongoqueue/postgres"
	"github.com/olivere/mongoqueue/redis"
	"github.com/olivere/mongoqueue/sqlite"
)

// openBackend connects to the backend given by cfg. The returned function
// closes the connection.
func openBackend(ctx context.Context, cfg config.Config) (mongoqueue.Backend, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Backend {
	case "mongodb":
		b, err := mongodb.Dial(cfg.URL, mongodb.SetConfig(cfg.Queue))
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "mongodriver":
		b, err := mongodriver.Connect(ctx, cfg.URL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, func() error { return b.Close(context.Background()) }, nil
	case "mysql":
		b, err := mysql.Open(cfg.URL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "postgres":
		b, err := postgres.Open(ctx, cfg.URL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "redis":
		b, err := redis.Open(ctx, cfg.URL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "sqlite":
		b, err := sqlite.Open(cfg.URL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "memory":
		return mongoqueue.NewInMemoryBackend(), nop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
