package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor: позиция в треде по (created_at, seq).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// Page: параметры keyset-пагинации треда. Limit <= 0, без ограничения.
type Page struct {
	Before *Cursor
	Limit  int
}

func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

func EncodeCursor(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}
