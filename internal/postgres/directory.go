package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixalio/dm-service/internal/domain"
)

// Directory читает профили и посты из таблиц соседних сервисов (только чтение).
type Directory struct {
	db *pgxpool.Pool
}

func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

// Profiles: один батч-запрос; отсутствующих id в ответе нет.
func (d *Directory) Profiles(ctx context.Context, ids []domain.UserID) (map[domain.UserID]domain.Profile, error) {
	out := make(map[domain.UserID]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.db.Query(ctx, profilesQuery, ids)
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

func (d *Directory) PostSnapshot(ctx context.Context, postID string) (*domain.PostSnapshot, error) {
	var p domain.PostSnapshot
	err := d.db.QueryRow(ctx, postSnapshotQuery, postID).Scan(&p.ID, &p.Caption, &p.ImageURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load post: %w", err)
	}
	return &p, nil
}
