package service

import (
	"context"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/realtime"
)

type MessageStore interface {
	Append(ctx context.Context, m *domain.Message) error
	ListBetween(ctx context.Context, a, b domain.UserID, page domain.Page) ([]domain.Message, *domain.Cursor, error)
	MarkRead(ctx context.Context, reader, sender domain.UserID) (int64, error)
}

type ConversationStore interface {
	ListConversations(ctx context.Context, user domain.UserID) ([]domain.ConversationRow, error)
}

// Directory: профили из сервиса аккаунтов. Отсутствующие id просто не попадают в map.
type Directory interface {
	Profiles(ctx context.Context, ids []domain.UserID) (map[domain.UserID]domain.Profile, error)
}

// PostSnapshots: сервис ленты; неизвестный пост -> domain.ErrNotFound.
type PostSnapshots interface {
	PostSnapshot(ctx context.Context, postID string) (*domain.PostSnapshot, error)
}

type Publisher interface {
	Publish(ctx context.Context, kind realtime.Kind, payload any, targets ...string) error
}
