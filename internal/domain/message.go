package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type UserID = string

// PostSnapshot: копия поста (caption + image) на момент отправки сообщения.
// Живой ссылкой не является: последующие правки поста на сообщение не влияют.
type PostSnapshot struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Message: направленное сообщение from -> to. Неизменяемо, кроме флага Read.
type Message struct {
	ID        string        `json:"id"`
	From      UserID        `json:"from"`
	To        UserID        `json:"to"`
	Text      *string       `json:"text,omitempty"`
	MediaURL  *string       `json:"mediaUrl,omitempty"`
	Post      *PostSnapshot `json:"post,omitempty"`
	Read      bool          `json:"read"`
	CreatedAt time.Time     `json:"createdAt"`

	// ClientID не хранится в БД: только эхо для сверки optimistic-строк на клиенте.
	ClientID string `json:"clientId,omitempty"`

	// Seq: порядковый номер вставки, тайбрейк при равных CreatedAt.
	Seq int64 `json:"-"`
}

// Content: то, что отправитель может положить в сообщение.
type Content struct {
	Text         string
	MediaURL     string
	SharedPostID string
}

func (c Content) normalize() Content {
	return Content{
		Text:         strings.TrimSpace(c.Text),
		MediaURL:     strings.TrimSpace(c.MediaURL),
		SharedPostID: strings.TrimSpace(c.SharedPostID),
	}
}

func (c Content) Empty() bool {
	n := c.normalize()
	return n.Text == "" && n.MediaURL == "" && n.SharedPostID == ""
}

// NewMessage валидирует содержимое и собирает новое сообщение.
// Post-снапшот подставляет вызывающий (сервис) до записи в store.
func NewMessage(from, to UserID, content Content, maxTextLen int, now time.Time) (*Message, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: sender and recipient are required", ErrValidation)
	}
	if from == to {
		return nil, ErrSelfMessage
	}

	c := content.normalize()
	if c.Empty() {
		return nil, ErrEmptyMessage
	}
	if maxTextLen > 0 && len([]rune(c.Text)) > maxTextLen {
		return nil, ErrMessageTooLong
	}

	m := &Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Text:      strPtr(c.Text),
		MediaURL:  strPtr(c.MediaURL),
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}
	if c.SharedPostID != "" {
		m.Post = &PostSnapshot{ID: c.SharedPostID}
	}

	return m, nil
}

// Peer возвращает собеседника относительно viewer.
func (m *Message) Peer(viewer UserID) UserID {
	if m.From == viewer {
		return m.To
	}
	return m.From
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
