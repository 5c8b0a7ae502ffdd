package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/metrics"
	"github.com/pixalio/dm-service/internal/realtime"
	"github.com/pixalio/dm-service/pkg/logger"
)

const (
	DefaultMaxTextLen     = 4000
	DefaultThreadPageSize = 500
	MaxThreadPageSize     = 1000
)

type Deps struct {
	Messages      MessageStore
	Conversations ConversationStore
	Directory     Directory
	Posts         PostSnapshots
	Bus           Publisher
	Metrics       *metrics.Metrics
}

type Option func(*MessagingService)

func WithMaxTextLen(n int) Option {
	return func(s *MessagingService) {
		if n > 0 {
			s.maxTextLen = n
		}
	}
}

// WithThreadPageLimit: размер страницы треда по умолчанию; не больше MaxThreadPageSize.
func WithThreadPageLimit(n int) Option {
	return func(s *MessagingService) {
		if n > 0 {
			s.pageLimit = min(n, MaxThreadPageSize)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *MessagingService) { s.now = now }
}

// MessagingService: send / fetchThread / fetchConversations / markRead / typing.
// Запись в store и публикация в bus не связаны транзакцией: событие уходит
// только после успешной записи, его потеря на запись не влияет.
type MessagingService struct {
	messages      MessageStore
	conversations ConversationStore
	directory     Directory
	posts         PostSnapshots
	bus           Publisher
	metrics       *metrics.Metrics

	maxTextLen int
	pageLimit  int
	now        func() time.Time
}

func NewMessagingService(d Deps, opts ...Option) *MessagingService {
	s := &MessagingService{
		messages:      d.Messages,
		conversations: d.Conversations,
		directory:     d.Directory,
		posts:         d.Posts,
		bus:           d.Bus,
		metrics:       d.Metrics,
		maxTextLen:    DefaultMaxTextLen,
		pageLimit:     DefaultThreadPageSize,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type SendInput struct {
	Text     string
	MediaURL string
	PostID   string
	ClientID string
}

func (s *MessagingService) Send(ctx context.Context, sender, recipient domain.UserID, in SendInput) (*domain.Message, error) {
	m, err := domain.NewMessage(sender, recipient, domain.Content{
		Text:         in.Text,
		MediaURL:     in.MediaURL,
		SharedPostID: in.PostID,
	}, s.maxTextLen, s.now())
	if err != nil {
		return nil, err
	}

	if m.Post != nil {
		if err := s.resolvePost(ctx, m); err != nil {
			return nil, err
		}
	}

	if err := s.messages.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.metrics.MessageSent()
	m.ClientID = strings.TrimSpace(in.ClientID)

	// сообщение уже записано: отмена запроса не должна глушить событие
	s.publish(context.WithoutCancel(ctx), realtime.KindMessageNew, m, m.From, m.To)
	return m, nil
}

func (s *MessagingService) resolvePost(ctx context.Context, m *domain.Message) error {
	if s.posts == nil {
		return domain.ErrPostNotFound
	}
	snap, err := s.posts.PostSnapshot(ctx, m.Post.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrPostNotFound
		}
		return fmt.Errorf("resolve post %s: %w", m.Post.ID, err)
	}
	m.Post = &domain.PostSnapshot{ID: m.Post.ID, Caption: snap.Caption, ImageURL: snap.ImageURL}
	return nil
}

type ThreadQuery struct {
	Before string // курсор из ThreadPage.Next
	Limit  int
}

type ThreadPage struct {
	Messages []domain.Message
	Next     string // пусто, старше сообщений нет
}

// FetchThread: сообщения пары в обе стороны, по возрастанию времени.
// Без курсора отдаётся самая свежая страница.
func (s *MessagingService) FetchThread(ctx context.Context, viewer, correspondent domain.UserID, q ThreadQuery) (ThreadPage, error) {
	viewer, correspondent = strings.TrimSpace(viewer), strings.TrimSpace(correspondent)
	if viewer == "" || correspondent == "" {
		return ThreadPage{}, fmt.Errorf("%w: correspondent is required", domain.ErrValidation)
	}
	before, err := domain.DecodeCursor(q.Before)
	if err != nil {
		return ThreadPage{}, err
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = s.pageLimit
	case limit > MaxThreadPageSize:
		limit = MaxThreadPageSize
	}

	msgs, next, err := s.messages.ListBetween(ctx, viewer, correspondent, domain.Page{Before: before, Limit: limit})
	if err != nil {
		return ThreadPage{}, fmt.Errorf("list thread: %w", err)
	}
	page := ThreadPage{Messages: msgs}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	if next != nil {
		if page.Next, err = domain.EncodeCursor(*next); err != nil {
			return ThreadPage{}, err
		}
	}
	return page, nil
}

// FetchConversations: по строке на собеседника, свежие сверху.
// Недоступный каталог профилей не роняет список: подставляются заглушки.
func (s *MessagingService) FetchConversations(ctx context.Context, viewer domain.UserID) ([]domain.Conversation, error) {
	viewer = strings.TrimSpace(viewer)
	if viewer == "" {
		return nil, fmt.Errorf("%w: viewer is required", domain.ErrValidation)
	}
	rows, err := s.conversations.ListConversations(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	profiles := map[domain.UserID]domain.Profile{}
	if len(rows) > 0 && s.directory != nil {
		ids := make([]domain.UserID, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.Peer)
		}
		if p, err := s.directory.Profiles(ctx, ids); err != nil {
			logger.FromContext(ctx).Warn("profile lookup failed, using placeholders",
				"viewer", viewer, "peers", len(ids), "err", err)
		} else {
			profiles = p
		}
	}

	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		p, ok := profiles[r.Peer]
		if !ok {
			p = domain.PlaceholderProfile(r.Peer)
		}
		out = append(out, domain.Conversation{User: p, LastMessage: r.LastMessage, UnreadCount: r.UnreadCount})
	}
	return out, nil
}

// MarkRead помечает прочитанными входящие от correspondent. Событие
// message:read уходит отправителю, только если что-то реально изменилось.
func (s *MessagingService) MarkRead(ctx context.Context, viewer, correspondent domain.UserID) (int64, error) {
	viewer, correspondent = strings.TrimSpace(viewer), strings.TrimSpace(correspondent)
	if viewer == "" || correspondent == "" {
		return 0, fmt.Errorf("%w: correspondent is required", domain.ErrValidation)
	}
	n, err := s.messages.MarkRead(ctx, viewer, correspondent)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		s.metrics.MarkedRead(n)
		s.publish(context.WithoutCancel(ctx), realtime.KindRead,
			realtime.ReadPayload{From: viewer, To: correspondent}, correspondent)
	}
	return n, nil
}

// RelayTyping пересылает индикатор набора. Пустой или свой recipient игнорируется.
func (s *MessagingService) RelayTyping(ctx context.Context, sender, recipient domain.UserID, typing bool) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || recipient == sender || s.bus == nil {
		return nil
	}
	return s.bus.Publish(ctx, realtime.KindTyping,
		realtime.TypingPayload{From: sender, To: recipient, Typing: typing}, recipient)
}

func (s *MessagingService) publish(ctx context.Context, kind realtime.Kind, payload any, targets ...string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, kind, payload, targets...); err != nil {
		s.metrics.PublishFailed(string(kind))
		logger.FromContext(ctx).Warn("realtime publish failed",
			"kind", kind, "targets", targets, "err", err)
	}
}
