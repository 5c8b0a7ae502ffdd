package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var messageSchema = []string{
	`CREATE TABLE IF NOT EXISTS direct_messages (
		seq            BIGSERIAL PRIMARY KEY,
		id             TEXT        NOT NULL UNIQUE,
		from_user      TEXT        NOT NULL,
		to_user        TEXT        NOT NULL,
		text           TEXT,
		media_url      TEXT,
		post_id        TEXT,
		post_caption   TEXT,
		post_image_url TEXT,
		read           BOOLEAN     NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL,
		CONSTRAINT direct_messages_not_self CHECK (from_user <> to_user),
		CONSTRAINT direct_messages_has_content CHECK (
			COALESCE(btrim(text), '') <> '' OR media_url IS NOT NULL OR post_id IS NOT NULL
		)
	)`,
	`CREATE INDEX IF NOT EXISTS direct_messages_pair_idx
		ON direct_messages (from_user, to_user, created_at DESC, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS direct_messages_to_idx
		ON direct_messages (to_user, created_at DESC, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS direct_messages_unread_idx
		ON direct_messages (to_user, from_user) WHERE NOT read`,
}

// directorySchema: таблицы сервисов аккаунтов и ленты. В проде они уже есть,
// создаём только для локального запуска и интеграционных тестов.
var directorySchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL,
		avatar_url TEXT,
		role       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id        TEXT PRIMARY KEY,
		caption   TEXT,
		image_url TEXT
	)`,
}

func Migrate(ctx context.Context, db *pgxpool.Pool, withDirectory bool) error {
	stmts := messageSchema
	if withDirectory {
		stmts = append(append([]string{}, messageSchema...), directorySchema...)
	}
	for i, q := range stmts {
		if _, err := db.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
