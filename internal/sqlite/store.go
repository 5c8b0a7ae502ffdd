package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pixalio/dm-service/internal/domain"
)

// Store: встраиваемый драйвер хранилища (dev-стенд, cli, тесты).
// Схема и семантика совпадают с postgres-драйвером.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open открывает файл БД (":memory:", в памяти) и применяет миграции.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// одно соединение: у ":memory:" своя БД на каждое соединение
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	for i, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, m *domain.Message) error {
	var postID, caption, image *string
	if m.Post != nil {
		postID = &m.Post.ID
		caption = nullable(m.Post.Caption)
		image = nullable(m.Post.ImageURL)
	}
	res, err := s.db.ExecContext(ctx, insertMessageQuery,
		m.ID, m.From, m.To, m.Text, m.MediaURL, postID, caption, image, m.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.Seq = seq
	m.Read = false
	return nil
}

func (s *Store) ListBetween(ctx context.Context, a, b domain.UserID, page domain.Page) ([]domain.Message, *domain.Cursor, error) {
	var createdAt, seq any
	if page.Before != nil {
		createdAt = page.Before.CreatedAt.UnixMicro()
		seq = page.Before.Seq
	}
	limit := -1
	if page.Limit > 0 {
		limit = page.Limit + 1
	}

	rows, err := s.db.QueryContext(ctx, listBetweenQuery, a, b, createdAt, seq, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list thread: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows, nil, nil)
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, next, nil
}

func (s *Store) MarkRead(ctx context.Context, reader, sender domain.UserID) (int64, error) {
	res, err := s.db.ExecContext(ctx, markReadQuery, reader, sender)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListConversations(ctx context.Context, user domain.UserID) ([]domain.ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, listConversationsQuery, user)
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
		m, err := scanMessage(rows, []any{&peer}, []any{&unread})
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

// Profiles: батч по id; неизвестных id в ответе нет.
func (s *Store) Profiles(ctx context.Context, ids []domain.UserID) (map[domain.UserID]domain.Profile, error) {
	out := make(map[domain.UserID]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(profilesQuery, strings.Join(marks, ","))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.AvatarURL, &p.Role); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	return out, nil
}

func (s *Store) PostSnapshot(ctx context.Context, postID string) (*domain.PostSnapshot, error) {
	var p domain.PostSnapshot
	err := s.db.QueryRowContext(ctx, postSnapshotQuery, postID).Scan(&p.ID, &p.Caption, &p.ImageURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load post: %w", err)
	}
	return &p, nil
}

// UpsertUser и UpsertPost наполняют локальный каталог (dev и тесты).
func (s *Store) UpsertUser(ctx context.Context, p domain.Profile) error {
	_, err := s.db.ExecContext(ctx, upsertUserQuery, p.ID, p.Username, nullable(p.AvatarURL), nullable(p.Role))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) UpsertPost(ctx context.Context, p domain.PostSnapshot) error {
	_, err := s.db.ExecContext(ctx, upsertPostQuery, p.ID, nullable(p.Caption), nullable(p.ImageURL))
	if err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, pre, post []any) (domain.Message, error) {
	var (
		m                      domain.Message
		postID, caption, image *string
		createdAt              int64
	)
	dest := make([]any, 0, len(pre)+11+len(post))
	dest = append(dest, pre...)
	dest = append(dest,
		&m.Seq, &m.ID, &m.From, &m.To, &m.Text, &m.MediaURL,
		&postID, &caption, &image, &m.Read, &createdAt,
	)
	dest = append(dest, post...)
	if err := row.Scan(dest...); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.CreatedAt = time.UnixMicro(createdAt).UTC()
	if postID != nil {
		m.Post = &domain.PostSnapshot{ID: *postID, Caption: deref(caption), ImageURL: deref(image)}
	}
	return m, nil
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
