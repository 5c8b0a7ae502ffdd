package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pixalio/dm-service/internal/metrics"
)

// Hub: реестр сессий userID -> {handleID -> Handle} и локальная реализация Bus.
// Один пользователь может держать несколько соединений (вкладки, устройства).
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[string]Handle

	metrics *metrics.Metrics
	log     *slog.Logger
}

var _ Bus = (*Hub)(nil)

func NewHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		users:   make(map[string]map[string]Handle),
		metrics: m,
		log:     log,
	}
}

// Subscribe регистрирует handle. Возвращённая функция идемпотентна.
func (h *Hub) Subscribe(c Handle) func() {
	h.mu.Lock()
	hs, ok := h.users[c.UserID()]
	if !ok {
		hs = make(map[string]Handle)
		h.users[c.UserID()] = hs
	}
	_, dup := hs[c.ID()]
	hs[c.ID()] = c
	h.mu.Unlock()

	if !dup {
		h.metrics.SessionOpened()
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(c) })
	}
}

func (h *Hub) remove(c Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.users[c.UserID()]
	if !ok {
		return
	}
	if cur, ok := hs[c.ID()]; !ok || cur != c {
		return
	}
	delete(hs, c.ID())
	if len(hs) == 0 {
		delete(h.users, c.UserID())
	}
	h.metrics.SessionClosed()
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Sessions: число живых соединений пользователя.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) Publish(_ context.Context, kind Kind, payload any, targets ...string) error {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	h.Deliver(ev, targets...)
	return nil
}

// Deliver раздаёт готовое событие всем handle'ам целевых пользователей,
// зарегистрированным на момент вызова. Запись идёт вне лока.
func (h *Hub) Deliver(ev Event, targets ...string) {
	seen := make(map[string]struct{}, len(targets))
	var out []Handle

	h.mu.RLock()
	for _, uid := range targets {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		for _, c := range h.users[uid] {
			out = append(out, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range out {
		if c.Deliver(ev) {
			h.metrics.Delivered(string(ev.Type))
			continue
		}
		h.metrics.Dropped(string(ev.Type))
		h.log.Warn("realtime event dropped",
			"kind", ev.Type, "user", c.UserID(), "handle", c.ID())
	}
}
