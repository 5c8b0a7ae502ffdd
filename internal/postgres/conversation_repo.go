package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixalio/dm-service/internal/domain"
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// ListConversations: по строке на собеседника, свежие сверху.
func (r *ConversationRepository) ListConversations(ctx context.Context, user domain.UserID) ([]domain.ConversationRow, error) {
	rows, err := r.db.Query(ctx, listConversationsQuery, user)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationRow
	for rows.Next() {
		var (
			peer   string
			unread int64
		)
		m, err := scanMessageWith(rows, []any{&peer}, []any{&unread})
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ConversationRow{Peer: peer, LastMessage: m, UnreadCount: unread})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}
