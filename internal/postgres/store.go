package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store собирает репозитории поверх одного пула.
type Store struct {
	*MessageRepository
	*ConversationRepository
	*Directory

	pool *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		MessageRepository:      NewMessageRepository(db),
		ConversationRepository: NewConversationRepository(db),
		Directory:              NewDirectory(db),
		pool:                   db,
	}
}

// Ping: readiness для /healthz и gRPC health.
func (s *Store) Ping(ctx context.Context) error { return ping(ctx, s.pool) }

func (s *Store) Close() { s.pool.Close() }
