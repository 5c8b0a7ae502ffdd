package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS direct_messages (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT    NOT NULL UNIQUE,
		from_user      TEXT    NOT NULL,
		to_user        TEXT    NOT NULL,
		text           TEXT,
		media_url      TEXT,
		post_id        TEXT,
		post_caption   TEXT,
		post_image_url TEXT,
		read           INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		CHECK (from_user <> to_user),
		CHECK (COALESCE(trim(text), '') <> '' OR media_url IS NOT NULL OR post_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS direct_messages_pair_idx
		ON direct_messages (from_user, to_user, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS direct_messages_to_idx
		ON direct_messages (to_user, created_at, seq)`,
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

const messageColumns = `seq, id, from_user, to_user, text, media_url,
	post_id, post_caption, post_image_url, read, created_at`

const (
	insertMessageQuery = `
		INSERT INTO direct_messages
			(id, from_user, to_user, text, media_url, post_id, post_caption, post_image_url, read, created_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, 0, ?9)`

	// LIMIT -1 в SQLite, без ограничения.
	listBetweenQuery = `
		SELECT ` + messageColumns + `
		FROM direct_messages
		WHERE ((from_user = ?1 AND to_user = ?2) OR (from_user = ?2 AND to_user = ?1))
		  AND (
		    ?3 IS NULL
		    OR created_at < ?3
		    OR (created_at = ?3 AND seq < ?4)
		  )
		ORDER BY created_at DESC, seq DESC
		LIMIT ?5`

	markReadQuery = `
		UPDATE direct_messages
		SET read = 1
		WHERE to_user = ?1 AND from_user = ?2 AND read = 0`

	listConversationsQuery = `
		WITH mine AS (
			SELECT ` + messageColumns + `,
				CASE WHEN from_user = ?1 THEN to_user ELSE from_user END AS peer
			FROM direct_messages
			WHERE from_user = ?1 OR to_user = ?1
		), ranked AS (
			SELECT mine.*,
				ROW_NUMBER() OVER (PARTITION BY peer ORDER BY created_at DESC, seq DESC) AS rn,
				SUM(CASE WHEN to_user = ?1 AND read = 0 THEN 1 ELSE 0 END) OVER (PARTITION BY peer) AS unread
			FROM mine
		)
		SELECT peer, ` + messageColumns + `, unread
		FROM ranked
		WHERE rn = 1
		ORDER BY created_at DESC, seq DESC`

	// %s: список плейсхолдеров
	profilesQuery = `
		SELECT id, username, COALESCE(avatar_url, ''), COALESCE(role, '')
		FROM users
		WHERE id IN (%s)`

	postSnapshotQuery = `
		SELECT id, COALESCE(caption, ''), COALESCE(image_url, '')
		FROM posts
		WHERE id = ?1`

	upsertUserQuery = `
		INSERT INTO users (id, username, avatar_url, role) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username,
			avatar_url = excluded.avatar_url, role = excluded.role`

	upsertPostQuery = `
		INSERT INTO posts (id, caption, image_url) VALUES (?1, ?2, ?3)
		ON CONFLICT(id) DO UPDATE SET caption = excluded.caption, image_url = excluded.image_url`
)
