package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

type Kind string

// Типы событий realtime-канала
const (
	KindMessageNew Kind = "message:new"  // новое сообщение: отправителю и получателю
	KindTyping     Kind = "typing"       // собеседник печатает
	KindRead       Kind = "message:read" // получатель прочитал тред
	KindError      Kind = "error"        // ответ на кривой фрейм клиента
)

// Event: фрейм {type, payload}. Payload уже сериализован,
// чтобы fan-out не маршалил одно и то же на каждый сокет.
type Event struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEvent(kind Kind, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Type: kind, Payload: raw}, nil
}

func (e Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type TypingPayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Typing bool   `json:"typing"`
}

type ReadPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Handle: живое соединение, привязанное к пользователю.
// Deliver не должен блокироваться: false значит событие отброшено.
type Handle interface {
	ID() string
	UserID() string
	Deliver(ev Event) bool
}

// Bus: at-most-once доставка событий подключённым сессиям.
type Bus interface {
	Publish(ctx context.Context, kind Kind, payload any, targets ...string) error
	Subscribe(h Handle) (unsubscribe func())
}
