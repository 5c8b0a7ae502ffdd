package postgres

const messageColumns = `seq, id, from_user, to_user, text, media_url,
	post_id, post_caption, post_image_url, read, created_at`

const (
	insertMessageQuery = `
		INSERT INTO direct_messages
			(id, from_user, to_user, text, media_url, post_id, post_caption, post_image_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		RETURNING seq`

	// Берём страницу с конца (DESC), наружу отдаём по возрастанию.
	// LIMIT NULL в Postgres, без ограничения.
	listBetweenQuery = `
		SELECT ` + messageColumns + `
		FROM direct_messages
		WHERE ((from_user = $1 AND to_user = $2) OR (from_user = $2 AND to_user = $1))
		  AND (
		    $3::timestamptz IS NULL
		    OR created_at < $3
		    OR (created_at = $3 AND seq < $4)
		  )
		ORDER BY created_at DESC, seq DESC
		LIMIT $5`

	markReadQuery = `
		UPDATE direct_messages
		SET read = TRUE
		WHERE to_user = $1 AND from_user = $2 AND NOT read`

	// Последнее сообщение и счётчик непрочитанных считаются одним запросом,
	// то есть по одному снапшоту.
	listConversationsQuery = `
		WITH mine AS (
			SELECT ` + messageColumns + `,
				CASE WHEN from_user = $1 THEN to_user ELSE from_user END AS peer
			FROM direct_messages
			WHERE from_user = $1 OR to_user = $1
		), ranked AS (
			SELECT mine.*,
				ROW_NUMBER() OVER (PARTITION BY peer ORDER BY created_at DESC, seq DESC) AS rn,
				COUNT(*) FILTER (WHERE to_user = $1 AND NOT read) OVER (PARTITION BY peer) AS unread
			FROM mine
		)
		SELECT peer, ` + messageColumns + `, unread
		FROM ranked
		WHERE rn = 1
		ORDER BY created_at DESC, seq DESC`

	profilesQuery = `
		SELECT id, username, COALESCE(avatar_url, ''), COALESCE(role, '')
		FROM users
		WHERE id = ANY($1)`

	postSnapshotQuery = `
		SELECT id, COALESCE(caption, ''), COALESCE(image_url, '')
		FROM posts
		WHERE id = $1`
)
