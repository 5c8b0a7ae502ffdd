package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/realtime"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu sync.Mutex

	convs   []domain.Conversation
	threads map[string][]domain.Message

	convGate   chan struct{}
	convErr    error
	threadGate map[string]chan struct{}
	threadErr  error
	sendGate   chan struct{}
	sendErr    error

	seq    int
	marked []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{threads: map[string][]domain.Message{}, threadGate: map[string]chan struct{}{}}
}

func (b *fakeBackend) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	b.mu.Lock()
	gate := b.convGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]domain.Conversation(nil), b.convs...), nil
}

func (b *fakeBackend) Thread(ctx context.Context, other string) ([]domain.Message, error) {
	b.mu.Lock()
	gate := b.threadGate[other]
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threadErr != nil {
		return nil, b.threadErr
	}
	return append([]domain.Message(nil), b.threads[other]...), nil
}

func (b *fakeBackend) Send(ctx context.Context, other string, req SendRequest) (*domain.Message, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	m := b.nextLocked("me", other, req.Text)
	m.ClientID = req.ClientID
	return &m, nil
}

// nextID: id, который сервер выдаст следующему сообщению.
func (b *fakeBackend) nextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("srv-%d", b.seq+1)
}

func (b *fakeBackend) nextLocked(from, to, text string) domain.Message {
	b.seq++
	return domain.Message{
		ID:        fmt.Sprintf("srv-%d", b.seq),
		From:      from,
		To:        to,
		Text:      &text,
		CreatedAt: t0.Add(time.Duration(b.seq) * time.Minute),
	}
}

func (b *fakeBackend) MarkRead(ctx context.Context, other string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, other)
	for i := range b.convs {
		if b.convs[i].User.ID == other {
			b.convs[i].UnreadCount = 0
		}
	}
	return 1, nil
}

func (b *fakeBackend) markedPeers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marked...)
}

type typingLog struct {
	mu   sync.Mutex
	sent []realtime.TypingPayload
}

func (l *typingLog) SendTyping(_ context.Context, to string, typing bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, realtime.TypingPayload{To: to, Typing: typing})
	return nil
}

func (l *typingLog) all() []realtime.TypingPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.TypingPayload(nil), l.sent...)
}

func msg(id, from, to string, sec int) domain.Message {
	text := id
	return domain.Message{ID: id, From: from, To: to, Text: &text, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}
}

func conv(peer, name string, last domain.Message, unread int64) domain.Conversation {
	return domain.Conversation{User: domain.Profile{ID: peer, Username: name}, LastMessage: last, UnreadCount: unread}
}

func event(t *testing.T, kind realtime.Kind, payload any) realtime.Event {
	t.Helper()
	ev, err := realtime.NewEvent(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func unreadOf(v View, peer string) int64 {
	for _, c := range v.Conversations {
		if c.User.ID == peer {
			return c.UnreadCount
		}
	}
	return -1
}

func TestOpen_SupersededResponseIsDiscarded(t *testing.T) {
	b := newFakeBackend()
	b.threads["u2"] = []domain.Message{msg("a", "u2", "me", 1)}
	b.threads["u3"] = []domain.Message{msg("b", "u3", "me", 2)}
	gate := make(chan struct{})
	b.threadGate["u2"] = gate
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Open(ctx, "u2") }()
	waitFor(t, "u2 loading", func() bool {
		v := c.View()
		return v.Active == "u2" && v.State == ThreadLoading
	})

	if err := c.Open(ctx, "u3"); err != nil {
		t.Fatalf("open u3: %v", err)
	}
	close(gate)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("late u2 result must be superseded, got %v", err)
	}

	v := c.View()
	if v.Active != "u3" || v.State != ThreadLoaded {
		t.Fatalf("view = %s/%s", v.Active, v.State)
	}
	if len(v.Thread) != 1 || v.Thread[0].ID != "b" {
		t.Fatalf("u2 rows leaked into u3 thread: %+v", v.Thread)
	}
	for _, p := range b.markedPeers() {
		if p == "u2" {
			t.Fatalf("abandoned thread must not be marked read")
		}
	}
}

func TestOpen_FailedFetchKeepsRowsAndGoesStale(t *testing.T) {
	b := newFakeBackend()
	b.threads["u2"] = []domain.Message{msg("a", "u2", "me", 1), msg("b", "me", "u2", 2)}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	b.threadErr = errors.New("network down")
	b.mu.Unlock()

	if err := c.Open(ctx, "u2"); err == nil {
		t.Fatalf("expected fetch error")
	}
	v := c.View()
	if v.State != ThreadStale {
		t.Fatalf("state = %s, want stale", v.State)
	}
	if len(v.Thread) != 2 {
		t.Fatalf("prior rows must stay visible, got %d", len(v.Thread))
	}
	if v.LastError == nil {
		t.Fatalf("error must be surfaced")
	}
}

func TestOpen_MarksReadAndReconciles(t *testing.T) {
	b := newFakeBackend()
	last := msg("a", "u2", "me", 1)
	b.convs = []domain.Conversation{conv("u2", "bob", last, 2)}
	b.threads["u2"] = []domain.Message{last}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := unreadOf(c.View(), "u2"); got != 2 {
		t.Fatalf("unread before open = %d", got)
	}

	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if m := b.markedPeers(); len(m) != 1 || m[0] != "u2" {
		t.Fatalf("open must mark read exactly once: %v", m)
	}
	if got := unreadOf(c.View(), "u2"); got != 0 {
		t.Fatalf("unread after open = %d", got)
	}
}

func TestSend_EchoBeforeRESTDoesNotDuplicate(t *testing.T) {
	b := newFakeBackend()
	gate := make(chan struct{})
	b.sendGate = gate
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	done := make(chan *domain.Message, 1)
	go func() {
		m, err := c.Send(ctx, "u2", SendRequest{Text: "hi", ClientID: "c-1"})
		if err != nil {
			t.Errorf("send: %v", err)
		}
		done <- m
	}()
	waitFor(t, "optimistic row", func() bool {
		v := c.View()
		return len(v.Thread) == 1 && v.Thread[0].Pending
	})

	echo := msg(b.nextID(), "me", "u2", 60)
	echo.ClientID = "c-1"
	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, echo))

	v := c.View()
	if len(v.Thread) != 1 || v.Thread[0].Pending || v.Thread[0].ID != echo.ID {
		t.Fatalf("echo must replace optimistic row: %+v", v.Thread)
	}

	close(gate)
	m := <-done
	c.Wait()
	v = c.View()
	if len(v.Thread) != 1 || v.Thread[0].ID != m.ID {
		t.Fatalf("REST response duplicated the row: %+v", v.Thread)
	}
}

func TestSend_EchoAfterRESTDoesNotDuplicate(t *testing.T) {
	b := newFakeBackend()
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	m, err := c.Send(ctx, "u2", SendRequest{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ClientID == "" {
		t.Fatalf("client id must be generated")
	}
	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, m))

	v := c.View()
	if len(v.Thread) != 1 || v.Thread[0].Pending || v.Thread[0].ID != m.ID {
		t.Fatalf("thread = %+v", v.Thread)
	}
	if len(v.Conversations) != 1 || v.Conversations[0].LastMessage.ID != m.ID || v.Conversations[0].UnreadCount != 0 {
		t.Fatalf("conversation not bumped by own send: %+v", v.Conversations)
	}
}

func TestSend_FailureRemovesOptimisticRow(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("500")
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Send(ctx, "u2", SendRequest{Text: "lost"}); err == nil {
		t.Fatalf("send failure must be reported")
	}
	if v := c.View(); len(v.Thread) != 0 {
		t.Fatalf("optimistic row must be removed: %+v", v.Thread)
	}
}

func TestSend_DuringLoadFetchedRowReplacesPending(t *testing.T) {
	b := newFakeBackend()
	threadGate := make(chan struct{})
	b.threadGate["u2"] = threadGate
	sendGate := make(chan struct{})
	b.sendGate = sendGate
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	opened := make(chan error, 1)
	go func() { opened <- c.Open(ctx, "u2") }()
	waitFor(t, "u2 loading", func() bool { return c.View().State == ThreadLoading })

	sent := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, "u2", SendRequest{Text: "hi", ClientID: "c1"})
		sent <- err
	}()
	waitFor(t, "optimistic row", func() bool {
		v := c.View()
		return len(v.Thread) == 1 && v.Thread[0].Pending
	})

	// сервер уже сохранил сообщение, тред отдаёт его без clientId
	stored := msg(b.nextID(), "me", "u2", 60)
	b.mu.Lock()
	b.threads["u2"] = []domain.Message{stored}
	b.mu.Unlock()
	close(threadGate)
	if err := <-opened; err != nil {
		t.Fatalf("open: %v", err)
	}

	close(sendGate)
	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	c.Wait()

	v := c.View()
	if len(v.Thread) != 1 {
		t.Fatalf("want 1 row after reconcile, got %d: %+v", len(v.Thread), v.Thread)
	}
	if r := v.Thread[0]; r.Pending || r.ID != stored.ID || r.ClientID != "c1" {
		t.Fatalf("row = %+v", r)
	}
}

func TestIncoming_UnreadAndAutoAck(t *testing.T) {
	b := newFakeBackend()
	b.convs = []domain.Conversation{
		conv("u3", "carol", msg("c1", "u3", "me", 2), 0),
		conv("u2", "bob", msg("b1", "u2", "me", 1), 0),
	}
	b.threads["u3"] = []domain.Message{msg("c1", "u3", "me", 2)}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(ctx, "u3"); err != nil {
		t.Fatal(err)
	}
	marksBefore := len(b.markedPeers())

	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, msg("b2", "u2", "me", 10)))
	v := c.View()
	if got := unreadOf(v, "u2"); got != 1 {
		t.Fatalf("background thread unread = %d, want 1", got)
	}
	if v.Conversations[0].User.ID != "u2" {
		t.Fatalf("conversation with newest message must be first")
	}

	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, msg("c2", "u3", "me", 11)))
	c.Wait()
	v = c.View()
	if got := unreadOf(v, "u3"); got != 0 {
		t.Fatalf("open thread unread = %d, want 0", got)
	}
	if last := v.Thread[len(v.Thread)-1]; last.ID != "c2" {
		t.Fatalf("incoming message not appended to open thread")
	}
	marks := b.markedPeers()[marksBefore:]
	if len(marks) != 1 || marks[0] != "u3" {
		t.Fatalf("open-thread message must be acked once: %v", marks)
	}
}

func TestIncoming_UnknownPeerGetsPlaceholder(t *testing.T) {
	b := newFakeBackend()
	b.convErr = errors.New("directory down")
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, msg("x1", "u9", "me", 1)))
	c.Wait()

	v := c.View()
	if len(v.Conversations) != 1 {
		t.Fatalf("want 1 conversation, got %d", len(v.Conversations))
	}
	if v.Conversations[0].User.Username != domain.PlaceholderUsername || v.Conversations[0].UnreadCount != 1 {
		t.Fatalf("placeholder row = %+v", v.Conversations[0])
	}
}

func TestIncoming_UnknownPeerResolvedFromServer(t *testing.T) {
	b := newFakeBackend()
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	m := msg("x1", "u9", "me", 1)
	b.convs = []domain.Conversation{conv("u9", "dave", m, 1)}
	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, m))
	c.Wait()

	v := c.View()
	if len(v.Conversations) != 1 || v.Conversations[0].User.Username != "dave" || v.Conversations[0].UnreadCount != 1 {
		t.Fatalf("conversation = %+v", v.Conversations)
	}
}

func TestReload_LiveEventDuringFetchIsKept(t *testing.T) {
	b := newFakeBackend()
	old := msg("b1", "u2", "me", 1)
	b.convs = []domain.Conversation{conv("u2", "bob", old, 0)}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	b.mu.Lock()
	b.convGate = gate
	b.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- c.ReloadConversations(ctx) }()
	waitFor(t, "reload in flight", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.convInFlight
	})

	fresh := msg("b2", "u2", "me", 5)
	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, fresh))
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	c.Wait()

	v := c.View()
	if len(v.Conversations) != 1 || v.Conversations[0].LastMessage.ID != "b2" || v.Conversations[0].UnreadCount != 1 {
		t.Fatalf("live event lost by stale snapshot: %+v", v.Conversations)
	}
}

func TestReadReceiptFlipsOwnMessages(t *testing.T) {
	b := newFakeBackend()
	b.threads["u2"] = []domain.Message{msg("a", "me", "u2", 1), msg("b", "u2", "me", 2), msg("c", "me", "u2", 3)}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	c.HandleEvent(ctx, event(t, realtime.KindRead, realtime.ReadPayload{From: "u2", To: "me"}))
	for _, r := range c.View().Thread {
		if r.From == "me" && !r.Read {
			t.Fatalf("own message %s not flipped", r.ID)
		}
		if r.From == "u2" && r.Read {
			t.Fatalf("incoming message %s must not be touched by receipt", r.ID)
		}
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	b := newFakeBackend()
	c := NewController("me", b, nil, Options{TypingExpiry: 30 * time.Millisecond})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	c.HandleEvent(ctx, event(t, realtime.KindTyping, realtime.TypingPayload{From: "u3", To: "me", Typing: true}))
	if c.View().PeerTyping {
		t.Fatalf("typing from a non-open thread must be ignored")
	}

	c.HandleEvent(ctx, event(t, realtime.KindTyping, realtime.TypingPayload{From: "u2", To: "me", Typing: true}))
	if !c.View().PeerTyping {
		t.Fatalf("typing indicator not shown")
	}
	waitFor(t, "typing expiry", func() bool { return !c.View().PeerTyping })

	// новый сигнал перезапускает таймер, смена треда гасит индикатор
	c.HandleEvent(ctx, event(t, realtime.KindTyping, realtime.TypingPayload{From: "u2", To: "me", Typing: true}))
	if err := c.Open(ctx, "u3"); err != nil {
		t.Fatal(err)
	}
	if c.View().PeerTyping {
		t.Fatalf("thread switch must clear typing")
	}
}

func TestComposingDebounce(t *testing.T) {
	b := newFakeBackend()
	tl := &typingLog{}
	c := NewController("me", b, tl, Options{TypingDebounce: 30 * time.Millisecond})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		c.Composing(ctx)
	}
	if got := tl.all(); len(got) != 1 || !got[0].Typing || got[0].To != "u2" {
		t.Fatalf("keystrokes must emit a single typing:true, got %+v", got)
	}

	waitFor(t, "debounced typing:false", func() bool { return len(tl.all()) == 2 })
	if got := tl.all(); got[1].Typing {
		t.Fatalf("second signal must be typing:false: %+v", got)
	}
}

func TestSendStopsComposing(t *testing.T) {
	b := newFakeBackend()
	tl := &typingLog{}
	c := NewController("me", b, tl, Options{TypingDebounce: time.Hour})
	ctx := context.Background()
	if err := c.Open(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	c.Composing(ctx)
	if _, err := c.Send(ctx, "u2", SendRequest{Text: "done"}); err != nil {
		t.Fatal(err)
	}
	got := tl.all()
	if len(got) != 2 || got[1].Typing {
		t.Fatalf("send must stop composing: %+v", got)
	}
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	c := NewController("me", newFakeBackend(), nil, Options{})
	events := make(chan realtime.Event, 1)
	events <- event(t, realtime.KindError, realtime.ErrorPayload{Message: "bad frame"})
	close(events)

	if err := c.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.View().LastError; err == nil || err.Error() != "bad frame" {
		t.Fatalf("error event not surfaced: %v", err)
	}
}

func TestReload_EqualTimestampEventNotCountedTwice(t *testing.T) {
	b := newFakeBackend()
	b.convs = []domain.Conversation{conv("u2", "bob", msg("b1", "u2", "me", 1), 1)}
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// b2 и b3 записаны в одну и ту же секунду, снапшот уже учёл обе
	b2, b3 := msg("b2", "u2", "me", 5), msg("b3", "u2", "me", 5)
	gate := make(chan struct{})
	b.mu.Lock()
	b.convs = []domain.Conversation{conv("u2", "bob", b3, 3)}
	b.convGate = gate
	b.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- c.ReloadConversations(ctx) }()
	waitFor(t, "reload in flight", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.convInFlight
	})

	c.HandleEvent(ctx, event(t, realtime.KindMessageNew, b2))
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	c.Wait()

	v := c.View()
	if len(v.Conversations) != 1 {
		t.Fatalf("conversations = %+v", v.Conversations)
	}
	if got := v.Conversations[0]; got.UnreadCount != 3 || got.LastMessage.ID != "b3" {
		t.Fatalf("snapshot overridden by equal-timestamp event: unread=%d last=%s", got.UnreadCount, got.LastMessage.ID)
	}
}

func TestErrorEvent_MalformedPayloadIgnored(t *testing.T) {
	b := newFakeBackend()
	c := NewController("me", b, nil, Options{})
	ctx := context.Background()

	c.HandleEvent(ctx, realtime.Event{Type: realtime.KindError, Payload: json.RawMessage(`123`)})
	if err := c.View().LastError; err != nil {
		t.Fatalf("malformed error frame must not set LastError, got %v", err)
	}

	c.HandleEvent(ctx, event(t, realtime.KindError, realtime.ErrorPayload{Message: "bad frame"}))
	if err := c.View().LastError; err == nil || err.Error() != "bad frame" {
		t.Fatalf("LastError = %v", err)
	}
}
