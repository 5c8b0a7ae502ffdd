// Package storetest, общий набор проверок для драйверов хранилища сообщений.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pixalio/dm-service/internal/domain"
)

type Store interface {
	Append(ctx context.Context, m *domain.Message) error
	ListBetween(ctx context.Context, a, b domain.UserID, page domain.Page) ([]domain.Message, *domain.Cursor, error)
	MarkRead(ctx context.Context, reader, sender domain.UserID) (int64, error)
	ListConversations(ctx context.Context, user domain.UserID) ([]domain.ConversationRow, error)
}

// Run гоняет проверки на свежем store, который возвращает newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"AppendVisibleOnceAndLast", testAppendVisibleOnceAndLast},
		{"MarkReadIdempotent", testMarkReadIdempotent},
		{"UnreadMatchesDirectCount", testUnreadMatchesDirectCount},
		{"NewestConversationFirst", testNewestConversationFirst},
		{"ThirdRankedMovesToFirst", testThirdRankedMovesToFirst},
		{"EqualTimestampsKeepInsertOrder", testEqualTimestampsKeepInsertOrder},
		{"KeysetPages", testKeysetPages},
		{"PostSnapshotStored", testPostSnapshotStored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func send(t *testing.T, s Store, from, to, text string, at time.Time) *domain.Message {
	t.Helper()
	m, err := domain.NewMessage(from, to, domain.Content{Text: text}, 0, at)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

func thread(t *testing.T, s Store, a, b string) []domain.Message {
	t.Helper()
	ms, _, err := s.ListBetween(context.Background(), a, b, domain.Page{})
	if err != nil {
		t.Fatalf("list between: %v", err)
	}
	return ms
}

func conversations(t *testing.T, s Store, user string) []domain.ConversationRow {
	t.Helper()
	rows, err := s.ListConversations(context.Background(), user)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	return rows
}

func testAppendVisibleOnceAndLast(t *testing.T, s Store) {
	send(t, s, "u1", "u2", "one", base)
	send(t, s, "u2", "u1", "two", base.Add(time.Second))
	m := send(t, s, "u1", "u2", "three", base.Add(2*time.Second))
	if m.Seq == 0 {
		t.Fatalf("append must assign seq")
	}

	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		ms := thread(t, s, pair[0], pair[1])
		if len(ms) != 3 {
			t.Fatalf("%v: want 3 messages, got %d", pair, len(ms))
		}
		count := 0
		for _, x := range ms {
			if x.ID == m.ID {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("%v: message visible %d times", pair, count)
		}
		if ms[len(ms)-1].ID != m.ID {
			t.Fatalf("%v: appended message is not last", pair)
		}
		if ms[0].Text == nil || *ms[0].Text != "one" {
			t.Fatalf("%v: ascending order broken", pair)
		}
	}

	if got := thread(t, s, "u1", "u3"); len(got) != 0 {
		t.Fatalf("unrelated pair sees %d messages", len(got))
	}
}

func testMarkReadIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	send(t, s, "u2", "u1", "a", base)
	send(t, s, "u2", "u1", "b", base.Add(time.Second))
	send(t, s, "u1", "u2", "mine", base.Add(2*time.Second))

	n, err := s.MarkRead(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 2 {
		t.Fatalf("first mark read = %d, want 2", n)
	}
	n, err = s.MarkRead(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second mark read = %d, want 0", n)
	}

	for _, m := range thread(t, s, "u1", "u2") {
		switch m.From {
		case "u2":
			if !m.Read {
				t.Fatalf("incoming message %s still unread", m.ID)
			}
		case "u1":
			if m.Read {
				t.Fatalf("reader's own message %s flipped", m.ID)
			}
		}
	}
}

func testUnreadMatchesDirectCount(t *testing.T, s Store) {
	for i := 0; i < 5; i++ {
		from, to := "u1", "u2"
		if i%2 == 1 {
			from, to = "u2", "u1"
		}
		send(t, s, from, to, "m", base.Add(time.Duration(i)*time.Second))
	}

	direct := func(reader, sender string) int64 {
		var n int64
		for _, m := range thread(t, s, reader, sender) {
			if m.From == sender && m.To == reader && !m.Read {
				n++
			}
		}
		return n
	}

	for _, u := range []struct{ me, peer string }{{"u1", "u2"}, {"u2", "u1"}} {
		rows := conversations(t, s, u.me)
		if len(rows) != 1 {
			t.Fatalf("%s: want 1 conversation, got %d", u.me, len(rows))
		}
		if rows[0].Peer != u.peer {
			t.Fatalf("%s: peer = %s", u.me, rows[0].Peer)
		}
		if want := direct(u.me, u.peer); rows[0].UnreadCount != want {
			t.Fatalf("%s: unread = %d, direct count = %d", u.me, rows[0].UnreadCount, want)
		}
	}
	// u2 отправил сообщения 1 и 3
	if rows := conversations(t, s, "u1"); rows[0].UnreadCount != 2 {
		t.Fatalf("u1 unread = %d, want 2", rows[0].UnreadCount)
	}
}

func testNewestConversationFirst(t *testing.T, s Store) {
	send(t, s, "u2", "u1", "from u2", base)
	send(t, s, "u1", "u3", "to u3", base.Add(time.Second))
	send(t, s, "u1", "u2", "to u2", base.Add(2*time.Second))

	rows := conversations(t, s, "u1")
	if len(rows) != 2 || rows[0].Peer != "u2" {
		t.Fatalf("u2 must be first: %+v", rows)
	}

	last := send(t, s, "u4", "u1", "hello from u4", base.Add(3*time.Second))
	rows = conversations(t, s, "u1")
	if len(rows) != 3 {
		t.Fatalf("want 3 conversations, got %d", len(rows))
	}
	if rows[0].Peer != "u4" || rows[0].LastMessage.ID != last.ID {
		t.Fatalf("new correspondent must be first: %+v", rows[0])
	}
	if rows[0].UnreadCount != 1 {
		t.Fatalf("u4 unread = %d, want 1", rows[0].UnreadCount)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].LastMessage.CreatedAt.After(rows[i-1].LastMessage.CreatedAt) {
			t.Fatalf("conversations not sorted by last message: %+v", rows)
		}
	}
}

func testThirdRankedMovesToFirst(t *testing.T, s Store) {
	send(t, s, "u4", "u1", "oldest", base)
	send(t, s, "u1", "u3", "middle", base.Add(time.Second))
	send(t, s, "u2", "u1", "newest", base.Add(2*time.Second))

	if got := peers(conversations(t, s, "u1")); got != "u2,u3,u4" {
		t.Fatalf("initial order = %s", got)
	}

	send(t, s, "u4", "u1", "back again", base.Add(3*time.Second))
	if got := peers(conversations(t, s, "u1")); got != "u4,u2,u3" {
		t.Fatalf("third-ranked peer must move to first, others keep order: %s", got)
	}
}

func peers(rows []domain.ConversationRow) string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.Peer
	}
	return strings.Join(ids, ",")
}

func testEqualTimestampsKeepInsertOrder(t *testing.T, s Store) {
	first := send(t, s, "u1", "u2", "first", base)
	second := send(t, s, "u2", "u1", "second", base)

	ms := thread(t, s, "u1", "u2")
	if len(ms) != 2 || ms[0].ID != first.ID || ms[1].ID != second.ID {
		t.Fatalf("insert order lost for equal timestamps: %+v", ms)
	}
	rows := conversations(t, s, "u1")
	if rows[0].LastMessage.ID != second.ID {
		t.Fatalf("last message must be the later insert")
	}
}

func testKeysetPages(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, send(t, s, "u1", "u2", "m", base.Add(time.Duration(i)*time.Second)).ID)
	}

	page, next, err := s.ListBetween(ctx, "u1", "u2", domain.Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[4] {
		t.Fatalf("first page must be the newest two ascending: %+v", page)
	}
	if next == nil {
		t.Fatalf("next cursor missing")
	}

	page, next, err = s.ListBetween(ctx, "u1", "u2", domain.Page{Limit: 2, Before: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[2] {
		t.Fatalf("second page mismatch: %+v", page)
	}

	page, next, err = s.ListBetween(ctx, "u1", "u2", domain.Page{Limit: 2, Before: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != ids[0] || next != nil {
		t.Fatalf("last page mismatch: %+v next=%v", page, next)
	}
}

func testPostSnapshotStored(t *testing.T, s Store) {
	m, err := domain.NewMessage("u1", "u2", domain.Content{SharedPostID: "p1"}, 0, base)
	if err != nil {
		t.Fatal(err)
	}
	m.Post.Caption = "sunset"
	m.Post.ImageURL = "https://cdn.example/p1.jpg"
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	ms := thread(t, s, "u2", "u1")
	if len(ms) != 1 || ms[0].Post == nil {
		t.Fatalf("post snapshot lost: %+v", ms)
	}
	if ms[0].Post.Caption != "sunset" || ms[0].Text != nil {
		t.Fatalf("snapshot mismatch: %+v", ms[0])
	}
	if !ms[0].CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", ms[0].CreatedAt, base)
	}
}
