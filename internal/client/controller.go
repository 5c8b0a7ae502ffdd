package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/realtime"
)

// ErrSuperseded: ответ пришёл для уже неактуального запроса и отброшен.
var ErrSuperseded = errors.New("client: superseded by a newer request")

type ThreadState int

const (
	ThreadUnopened ThreadState = iota
	ThreadLoading
	ThreadLoaded
	ThreadStale
)

func (s ThreadState) String() string {
	switch s {
	case ThreadLoading:
		return "loading"
	case ThreadLoaded:
		return "loaded"
	case ThreadStale:
		return "stale"
	default:
		return "unopened"
	}
}

type Backend interface {
	Conversations(ctx context.Context) ([]domain.Conversation, error)
	Thread(ctx context.Context, other string) ([]domain.Message, error)
	Send(ctx context.Context, other string, req SendRequest) (*domain.Message, error)
	MarkRead(ctx context.Context, other string) (int64, error)
}

type TypingSender interface {
	SendTyping(ctx context.Context, to string, typing bool) error
}

type Options struct {
	// TypingDebounce: пауза после последнего нажатия до typing:false.
	TypingDebounce time.Duration
	// TypingExpiry: сколько показывать «печатает» без нового сигнала.
	TypingExpiry time.Duration
	// OnChange вызывается после каждого изменения состояния, вне лока.
	OnChange func()
	Logger   *slog.Logger
	Now      func() time.Time
}

// Row: строка треда. Pending означает optimistic-строку, ещё не подтверждённую сервером.
type Row struct {
	domain.Message
	Pending bool
}

// View: снапшот состояния для отрисовки.
type View struct {
	Me            string
	Conversations []domain.Conversation
	Active        string
	State         ThreadState
	Thread        []Row
	PeerTyping    bool
	LastError     error
}

type typingEntry struct{ timer *time.Timer }

// Controller: клиентская модель мессенджера (список диалогов, открытый тред,
// счётчики непрочитанных и индикаторы набора). Сетевые вызовы идут вне лока;
// результат применяется, только если его поколение ещё актуально.
type Controller struct {
	me      string
	backend Backend
	typing  TypingSender
	opts    Options
	log     *slog.Logger

	mu sync.Mutex

	convs        []domain.Conversation
	convGen      uint64
	convInFlight bool
	convEvents   []domain.Message // live-сообщения, пришедшие во время перезагрузки списка

	active      string
	state       ThreadState
	thread      []Row
	openGen     uint64
	pendingLive []domain.Message // live-сообщения активного треда во время загрузки
	pendingRead bool

	peerTyping *typingEntry // индикатор для active

	composing    bool
	composingTo  string
	composeTimer *time.Timer

	lastErr error

	bg sync.WaitGroup
}

func NewController(me string, backend Backend, typing TypingSender, opts Options) *Controller {
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 800 * time.Millisecond
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{me: me, backend: backend, typing: typing, opts: opts, log: log}
}

// Start: загрузка списка диалогов при старте сессии (и после реконнекта).
func (c *Controller) Start(ctx context.Context) error {
	return c.ReloadConversations(ctx)
}

// ReloadConversations сверяет кэш счётчиков с серверной агрегацией.
func (c *Controller) ReloadConversations(ctx context.Context) error {
	c.mu.Lock()
	c.convGen++
	gen := c.convGen
	c.convInFlight = true
	c.convEvents = nil
	c.mu.Unlock()

	convs, err := c.backend.Conversations(ctx)

	c.mu.Lock()
	if gen != c.convGen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.convInFlight = false
	if err != nil {
		c.lastErr = err
		c.convEvents = nil
		c.mu.Unlock()
		c.changed()
		return err
	}
	c.convs = convs
	// то, что пришло по сокету после снапшота, накатываем поверх
	for _, m := range c.convEvents {
		if !c.convIncludes(m) {
			c.bumpLocked(m)
		}
	}
	c.convEvents = nil
	if c.active != "" && (c.state == ThreadLoading || c.state == ThreadLoaded) {
		c.setUnreadLocked(c.active, 0)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// Open открывает тред собеседника: загрузка, затем mark-read.
// Открытие треда является единственным триггером прочтения.
func (c *Controller) Open(ctx context.Context, other string) error {
	c.mu.Lock()
	var (
		stopTo  string
		stopped bool
	)
	if other != c.active {
		c.clearTypingLocked()
		stopTo, stopped = c.takeComposingLocked()
		c.thread = nil
	}
	c.active = other
	c.openGen++
	gen := c.openGen
	c.state = ThreadLoading
	c.pendingLive = nil
	c.pendingRead = false
	c.mu.Unlock()
	c.changed()

	if stopped {
		c.sendTyping(ctx, stopTo, false)
	}

	msgs, err := c.backend.Thread(ctx, other)

	c.mu.Lock()
	if gen != c.openGen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		// прежние строки остаются на экране
		c.state = ThreadStale
		c.lastErr = err
		c.mu.Unlock()
		c.changed()
		return err
	}

	pending := make([]Row, 0)
	for _, r := range c.thread {
		if r.Pending {
			pending = append(pending, r)
		}
	}
	c.thread = make([]Row, 0, len(msgs)+len(pending))
	for _, m := range msgs {
		c.thread = append(c.thread, Row{Message: m})
	}
	for _, m := range c.pendingLive {
		c.upsertLocked(m)
	}
	for _, r := range pending {
		if c.findLocked(r.ID, r.ClientID) < 0 {
			c.thread = append(c.thread, r)
		}
	}
	if c.pendingRead {
		c.flipOwnReadLocked(other)
	}
	c.pendingLive = nil
	c.pendingRead = false
	c.state = ThreadLoaded
	c.mu.Unlock()
	c.changed()

	c.ack(ctx, other, gen)
	return nil
}

// ack: mark-read открытого треда и сверка счётчиков.
func (c *Controller) ack(ctx context.Context, other string, gen uint64) {
	if _, err := c.backend.MarkRead(ctx, other); err != nil {
		c.log.Warn("mark read failed", "peer", other, "err", err)
		return
	}
	c.mu.Lock()
	if gen == c.openGen {
		c.setUnreadLocked(other, 0)
	}
	c.mu.Unlock()
	c.changed()

	if err := c.ReloadConversations(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		c.log.Warn("reconcile conversations failed", "err", err)
	}
}

// Send отправляет сообщение с optimistic-строкой в открытом треде.
// Ошибка возвращается вызывающему, строка убирается; автоповтора нет.
func (c *Controller) Send(ctx context.Context, to string, req SendRequest) (*domain.Message, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	c.mu.Lock()
	stopTo, stopped := c.takeComposingLocked()
	if to == c.active {
		c.thread = append(c.thread, Row{Message: optimistic(c.me, to, req, c.opts.Now()), Pending: true})
	}
	c.mu.Unlock()
	c.changed()

	if stopped {
		c.sendTyping(ctx, stopTo, false)
	}

	m, err := c.backend.Send(ctx, to, req)

	c.mu.Lock()
	if err != nil {
		if i := c.findLocked("", req.ClientID); i >= 0 && c.thread[i].Pending {
			c.thread = append(c.thread[:i], c.thread[i+1:]...)
		}
		c.lastErr = err
		c.mu.Unlock()
		c.changed()
		return nil, err
	}
	if m.ClientID == "" {
		m.ClientID = req.ClientID
	}
	c.applyMessageLocked(*m)
	c.mu.Unlock()
	c.changed()
	return m, nil
}

func optimistic(me, to string, req SendRequest, now time.Time) domain.Message {
	m := domain.Message{From: me, To: to, ClientID: req.ClientID, CreatedAt: now.UTC()}
	if req.Text != "" {
		m.Text = &req.Text
	}
	if req.MediaURL != "" {
		m.MediaURL = &req.MediaURL
	}
	if req.PostID != "" {
		m.Post = &domain.PostSnapshot{ID: req.PostID}
	}
	return m
}

// HandleEvent применяет событие realtime-канала.
func (c *Controller) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.KindMessageNew:
		var m domain.Message
		if err := ev.Decode(&m); err != nil {
			c.log.Warn("bad message event", "err", err)
			return
		}
		c.onMessage(ctx, m)
	case realtime.KindTyping:
		var p realtime.TypingPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad typing event", "err", err)
			return
		}
		c.onTyping(p)
	case realtime.KindRead:
		var p realtime.ReadPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad read event", "err", err)
			return
		}
		c.onRead(p)
	case realtime.KindError:
		var p realtime.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad error event", "err", err)
			return
		}
		c.mu.Lock()
		c.lastErr = errors.New(p.Message)
		c.mu.Unlock()
		c.changed()
	}
}

func (c *Controller) onMessage(ctx context.Context, m domain.Message) {
	peer := m.Peer(c.me)
	incoming := m.To == c.me && m.From != c.me

	c.mu.Lock()
	open := peer == c.active && (c.state == ThreadLoading || c.state == ThreadLoaded)
	needAck := incoming && open
	if incoming && peer == c.active {
		c.clearTypingLocked()
	}
	known := c.convIndexLocked(peer) >= 0
	if c.convInFlight {
		c.convEvents = append(c.convEvents, m)
	}
	c.applyMessageLocked(m)
	gen := c.openGen
	c.mu.Unlock()
	c.changed()

	if needAck {
		c.background(func() { c.ackLive(context.WithoutCancel(ctx), peer, gen) })
	}
	if !known {
		// новый собеседник: профиль возьмём из серверного списка
		c.background(func() {
			if err := c.ReloadConversations(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrSuperseded) {
				c.log.Warn("reload conversations failed", "err", err)
			}
		})
	}
}

// ackLive: входящее в открытый тред сразу помечается прочитанным.
func (c *Controller) ackLive(ctx context.Context, peer string, gen uint64) {
	if _, err := c.backend.MarkRead(ctx, peer); err != nil {
		c.log.Warn("mark read failed", "peer", peer, "err", err)
		return
	}
	c.mu.Lock()
	if gen == c.openGen {
		c.setUnreadLocked(peer, 0)
	}
	c.mu.Unlock()
	c.changed()
}

// applyMessageLocked кладёт сообщение в тред (если открыт) и поднимает диалог.
func (c *Controller) applyMessageLocked(m domain.Message) {
	peer := m.Peer(c.me)
	if peer == c.active {
		switch c.state {
		case ThreadLoading:
			c.pendingLive = append(c.pendingLive, m)
			// optimistic-строку своего сообщения снимаем сразу
			if i := c.findLocked("", m.ClientID); i >= 0 && m.From == c.me {
				c.thread[i] = Row{Message: m}
			}
		case ThreadLoaded, ThreadStale:
			c.upsertLocked(m)
		}
	}
	c.bumpLocked(m)
}

// upsertLocked: сначала по id, затем по clientId optimistic-строки, иначе в конец.
// Pending-строка с тем же clientId снимается, даже если сервер уже отдал сообщение по id.
func (c *Controller) upsertLocked(m domain.Message) {
	i := c.findLocked(m.ID, m.ClientID)
	if i >= 0 {
		c.thread[i] = Row{Message: m}
	} else {
		c.thread = append(c.thread, Row{Message: m})
		i = len(c.thread) - 1
	}
	if m.ClientID == "" {
		return
	}
	kept := c.thread[:0]
	for j, r := range c.thread {
		if j != i && r.Pending && r.ClientID == m.ClientID {
			continue
		}
		kept = append(kept, r)
	}
	c.thread = kept
}

func (c *Controller) findLocked(id, clientID string) int {
	if id != "" {
		for i := range c.thread {
			if c.thread[i].ID == id {
				return i
			}
		}
	}
	if clientID != "" {
		for i := range c.thread {
			if c.thread[i].ClientID == clientID {
				return i
			}
		}
	}
	return -1
}

// bumpLocked обновляет последнее сообщение диалога и счётчик, поднимает диалог наверх.
func (c *Controller) bumpLocked(m domain.Message) {
	peer := m.Peer(c.me)
	incoming := m.To == c.me && m.From != c.me
	open := peer == c.active && (c.state == ThreadLoading || c.state == ThreadLoaded)

	i := c.convIndexLocked(peer)
	if i < 0 {
		conv := domain.Conversation{User: domain.PlaceholderProfile(peer), LastMessage: m}
		if incoming && !open {
			conv.UnreadCount = 1
		}
		c.convs = append(c.convs, conv)
	} else {
		conv := &c.convs[i]
		if conv.LastMessage.ID == m.ID {
			conv.LastMessage = m
			return
		}
		if !m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
			conv.LastMessage = m
		}
		switch {
		case open:
			conv.UnreadCount = 0
		case incoming:
			conv.UnreadCount++
		}
	}
	sort.SliceStable(c.convs, func(a, b int) bool {
		return c.convs[a].LastMessage.CreatedAt.After(c.convs[b].LastMessage.CreatedAt)
	})
}

// convIncludes: отражено ли сообщение в свежем серверном списке.
// seq клиенту не виден, поэтому при равном created_at сообщение
// считается уже учтённым снапшотом.
func (c *Controller) convIncludes(m domain.Message) bool {
	i := c.convIndexLocked(m.Peer(c.me))
	if i < 0 {
		return false
	}
	last := c.convs[i].LastMessage
	return last.ID == m.ID || !last.CreatedAt.Before(m.CreatedAt)
}

func (c *Controller) convIndexLocked(peer string) int {
	for i := range c.convs {
		if c.convs[i].User.ID == peer {
			return i
		}
	}
	return -1
}

func (c *Controller) setUnreadLocked(peer string, n int64) {
	if i := c.convIndexLocked(peer); i >= 0 {
		c.convs[i].UnreadCount = n
	}
}

func (c *Controller) onTyping(p realtime.TypingPayload) {
	c.mu.Lock()
	// индикатор показываем только для открытого треда
	if p.From == "" || p.From != c.active {
		c.mu.Unlock()
		return
	}
	c.clearTypingLocked()
	if p.Typing {
		e := &typingEntry{}
		e.timer = time.AfterFunc(c.opts.TypingExpiry, func() {
			c.mu.Lock()
			if c.peerTyping != e {
				c.mu.Unlock()
				return
			}
			c.peerTyping = nil
			c.mu.Unlock()
			c.changed()
		})
		c.peerTyping = e
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) clearTypingLocked() {
	if c.peerTyping != nil {
		c.peerTyping.timer.Stop()
		c.peerTyping = nil
	}
}

// onRead: собеседник прочитал мои сообщения, отмечаем их в треде.
func (c *Controller) onRead(p realtime.ReadPayload) {
	if p.To != c.me || p.From == "" {
		return
	}
	c.mu.Lock()
	if p.From == c.active {
		if c.state == ThreadLoading {
			c.pendingRead = true
		}
		c.flipOwnReadLocked(p.From)
	}
	if i := c.convIndexLocked(p.From); i >= 0 && c.convs[i].LastMessage.From == c.me {
		c.convs[i].LastMessage.Read = true
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) flipOwnReadLocked(peer string) {
	for i := range c.thread {
		r := &c.thread[i]
		if r.From == c.me && r.To == peer && !r.Pending {
			r.Read = true
		}
	}
}

// Composing: нажатие клавиши в открытом треде. typing:true уходит один раз,
// typing:false: через TypingDebounce после последнего нажатия.
func (c *Controller) Composing(ctx context.Context) {
	c.mu.Lock()
	to := c.active
	if to == "" || c.typing == nil {
		c.mu.Unlock()
		return
	}
	start := !c.composing
	c.composing = true
	c.composingTo = to
	if c.composeTimer != nil {
		c.composeTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.opts.TypingDebounce, func() {
		c.mu.Lock()
		if c.composeTimer != t {
			c.mu.Unlock()
			return
		}
		to, ok := c.takeComposingLocked()
		c.mu.Unlock()
		if ok {
			c.sendTyping(context.Background(), to, false)
		}
	})
	c.composeTimer = t
	c.mu.Unlock()

	if start {
		c.sendTyping(ctx, to, true)
	}
}

func (c *Controller) StopComposing(ctx context.Context) {
	c.mu.Lock()
	to, ok := c.takeComposingLocked()
	c.mu.Unlock()
	if ok {
		c.sendTyping(ctx, to, false)
	}
}

// takeComposingLocked сбрасывает состояние набора; typing:false шлёт вызывающий, вне лока.
func (c *Controller) takeComposingLocked() (string, bool) {
	if c.composeTimer != nil {
		c.composeTimer.Stop()
		c.composeTimer = nil
	}
	if !c.composing {
		return "", false
	}
	c.composing = false
	to := c.composingTo
	c.composingTo = ""
	return to, true
}

func (c *Controller) sendTyping(ctx context.Context, to string, typing bool) {
	if c.typing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.typing.SendTyping(ctx, to, typing); err != nil {
		c.log.Debug("send typing failed", "to", to, "err", err)
	}
}

// Run применяет события, пока не закроется канал или ctx.
func (c *Controller) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Me:            c.me,
		Conversations: append([]domain.Conversation(nil), c.convs...),
		Active:        c.active,
		State:         c.state,
		Thread:        append([]Row(nil), c.thread...),
		PeerTyping:    c.peerTyping != nil,
		LastError:     c.lastErr,
	}
	return v
}

// Wait дожидается фоновых вызовов (mark-read, перезагрузка списка).
func (c *Controller) Wait() {
	c.bg.Wait()
}

func (c *Controller) background(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
