package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pixalio/dm-service/config"
	"github.com/pixalio/dm-service/internal/postgres"
	"github.com/pixalio/dm-service/internal/service"
	"github.com/pixalio/dm-service/internal/sqlite"
)

// store: всё, что сервису нужно от хранилища.
type store interface {
	service.MessageStore
	service.ConversationStore
	service.Directory
	service.PostSnapshots
}

type openedStore struct {
	store
	ping  func(context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg config.Storage, appName string, log *slog.Logger) (*openedStore, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLite.Path, log)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return &openedStore{store: s, ping: s.Ping, close: func() { _ = s.Close() }}, nil

	default:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:               cfg.PG.DSN,
			MaxConns:          cfg.PG.MaxConns,
			MinConns:          cfg.PG.MinConns,
			MaxConnLifetime:   cfg.PG.MaxConnLifetimeOr(),
			MaxConnIdleTime:   cfg.PG.MaxConnIdleTimeOr(),
			HealthCheckPeriod: cfg.PG.HealthCheckPeriodOr(),
			ApplicationName:   appName,
			WithDirectory:     cfg.PG.WithDirectory,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &openedStore{store: s, ping: s.Ping, close: s.Close}, nil
	}
}
