package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixalio/dm-service/internal/domain"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append пишет сообщение одной вставкой и проставляет m.Seq.
func (r *MessageRepository) Append(ctx context.Context, m *domain.Message) error {
	var postID, caption, image *string
	if m.Post != nil {
		postID = &m.Post.ID
		caption = nullable(m.Post.Caption)
		image = nullable(m.Post.ImageURL)
	}
	err := r.db.QueryRow(ctx, insertMessageQuery,
		m.ID, m.From, m.To, m.Text, m.MediaURL, postID, caption, image, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.Read = false
	return nil
}

// ListBetween возвращает сообщения пары в обе стороны по (created_at, seq) ASC.
// next != nil, если до page.Before есть ещё более старые сообщения.
func (r *MessageRepository) ListBetween(ctx context.Context, a, b domain.UserID, page domain.Page) ([]domain.Message, *domain.Cursor, error) {
	var createdAt, seq, limit any
	if page.Before != nil {
		createdAt = page.Before.CreatedAt
		seq = page.Before.Seq
	}
	if page.Limit > 0 {
		// +1, чтобы понять, есть ли следующая страница
		limit = page.Limit + 1
	}

	rows, err := r.db.Query(ctx, listBetweenQuery, a, b, createdAt, seq, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list thread: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list thread: %w", err)
	}

	var next *domain.Cursor
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
		c := domain.CursorOf(out[len(out)-1])
		next = &c
	}
	reverse(out)
	return out, next, nil
}

// MarkRead: один batch-UPDATE; повторный вызов вернёт 0.
func (r *MessageRepository) MarkRead(ctx context.Context, reader, sender domain.UserID) (int64, error) {
	tag, err := r.db.Exec(ctx, markReadQuery, reader, sender)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	return scanMessageWith(row, nil, nil)
}

// scanMessageWith сканирует колонки messageColumns, окружённые pre и post.
func scanMessageWith(row pgx.Row, pre, post []any) (domain.Message, error) {
	var (
		m                      domain.Message
		postID, caption, image *string
	)
	dest := make([]any, 0, len(pre)+11+len(post))
	dest = append(dest, pre...)
	dest = append(dest,
		&m.Seq, &m.ID, &m.From, &m.To, &m.Text, &m.MediaURL,
		&postID, &caption, &image, &m.Read, &m.CreatedAt,
	)
	dest = append(dest, post...)
	if err := row.Scan(dest...); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if postID != nil {
		m.Post = &domain.PostSnapshot{ID: *postID, Caption: deref(caption), ImageURL: deref(image)}
	}
	return m, nil
}

func reverse(ms []domain.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
