package natsbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/pixalio/dm-service/internal/realtime"
)

const DefaultPrefix = "dm.user"

// Bus: межинстансовый fan-out поверх core NATS (at-most-once, без JetStream):
// событие уходит в subject <prefix>.<user>, каждый инстанс слушает <prefix>.*
// и раздаёт в свой локальный Hub.
type Bus struct {
	nc     *nats.Conn
	prefix string
	local  *realtime.Hub
	sub    *nats.Subscription
	log    *slog.Logger
}

var _ realtime.Bus = (*Bus)(nil)

func Connect(url, prefix string, local *realtime.Hub, log *slog.Logger, opts ...nats.Option) (*Bus, error) {
	if local == nil {
		return nil, errors.New("natsbus: local hub is required")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	opts = append([]nats.Option{
		nats.Name("dm-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{nc: nc, prefix: prefix, local: local, log: log}, nil
}

// Start подписывает инстанс на все пользовательские subject'ы.
func (b *Bus) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".*", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", b.prefix, err)
	}
	b.sub = sub
	return b.nc.Flush()
}

func (b *Bus) handle(msg *nats.Msg) {
	userID, err := UserFromSubject(b.prefix, msg.Subject)
	if err != nil {
		b.log.Warn("natsbus: bad subject", "subject", msg.Subject, "err", err)
		return
	}
	var ev realtime.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Warn("natsbus: bad event", "subject", msg.Subject, "err", err)
		return
	}
	b.local.Deliver(ev, userID)
}

func (b *Bus) Publish(_ context.Context, kind realtime.Kind, payload any, targets ...string) error {
	ev, err := realtime.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(targets))
	for _, uid := range targets {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		if err := b.nc.Publish(Subject(b.prefix, uid), data); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) Subscribe(h realtime.Handle) func() {
	return b.local.Subscribe(h)
}

// Close дочитывает уже полученные события подписки и закрывает соединение.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// Closed: соединение закрыто (после Drain это происходит асинхронно).
func (b *Bus) Closed() bool {
	return b.nc.IsClosed()
}

// Subject кодирует userID в один токен: id может содержать '.', '*' или '>'.
func Subject(prefix, userID string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func UserFromSubject(prefix, subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || token == "" {
		return "", fmt.Errorf("subject %q outside prefix %q", subject, prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode user token: %w", err)
	}
	return string(raw), nil
}
