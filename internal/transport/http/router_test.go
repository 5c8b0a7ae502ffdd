package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/metrics"
	"github.com/pixalio/dm-service/internal/ratelimit"
	"github.com/pixalio/dm-service/internal/realtime"
	"github.com/pixalio/dm-service/internal/security"
	"github.com/pixalio/dm-service/internal/service"
	"github.com/pixalio/dm-service/internal/sqlite"
	"github.com/pixalio/dm-service/internal/transport/ws"
)

var testSecret = []byte("router-test-secret")

type env struct {
	srv *httptest.Server
	hub *realtime.Hub
}

func newEnv(t *testing.T, limiter *ratelimit.Pool) *env {
	t.Helper()
	store, err := sqlite.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	_ = store.UpsertUser(ctx, domain.Profile{ID: "u1", Username: "alice"})
	_ = store.UpsertUser(ctx, domain.Profile{ID: "u2", Username: "bob"})

	m := metrics.New()
	hub := realtime.NewHub(m, nil)
	svc := service.NewMessagingService(service.Deps{
		Messages:      store,
		Conversations: store,
		Directory:     store,
		Posts:         store,
		Bus:           hub,
		Metrics:       m,
	})
	verifier := security.NewHS256Verifier(testSecret, "", "", time.Second)
	wsSrv := ws.NewServer(verifier, hub, svc, limiter, m, ws.Options{PingInterval: time.Second})

	router := NewRouter(RouterDeps{
		Handler: NewHandler(svc),
		WS:      wsSrv.HandleWS,
		Auth:    verifier,
		Limiter: limiter,
		Metrics: m,
		Ready:   store.Ping,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, hub: hub}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := security.NewHS256Signer(testSecret, "", "", time.Hour).Sign(uid, "user", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, uid string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, uid))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *env) connect(t *testing.T, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?access_token=" + token(t, uid)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for !e.hub.Online(uid) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never registered", uid)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func nextEvent(t *testing.T, c *websocket.Conn, kind realtime.Kind, dst any) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev realtime.Event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if ev.Type == kind {
			if err := ev.Decode(dst); err != nil {
				t.Fatal(err)
			}
			return
		}
	}
}

func TestMessagingFlow(t *testing.T) {
	e := newEnv(t, nil)
	c2 := e.connect(t, "u2")

	resp, body := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{Text: "hi", ClientID: "c1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", resp.StatusCode, body)
	}
	var sent domain.Message
	_ = json.Unmarshal(body, &sent)
	if sent.From != "u1" || sent.To != "u2" || sent.ClientID != "c1" || sent.Read {
		t.Fatalf("unexpected send response: %+v", sent)
	}

	var pushed domain.Message
	nextEvent(t, c2, realtime.KindMessageNew, &pushed)
	if pushed.ID != sent.ID || pushed.ClientID != "c1" {
		t.Fatalf("pushed message mismatch: %+v", pushed)
	}

	resp, body = e.do(t, http.MethodGet, "/api/messages/conversations", "u2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status = %d", resp.StatusCode)
	}
	var convs []domain.Conversation
	_ = json.Unmarshal(body, &convs)
	if len(convs) != 1 || convs[0].User.Username != "alice" || convs[0].UnreadCount != 1 {
		t.Fatalf("conversations = %s", body)
	}

	resp, body = e.do(t, http.MethodGet, "/api/messages/u1", "u2", nil)
	var thread []domain.Message
	_ = json.Unmarshal(body, &thread)
	if resp.StatusCode != http.StatusOK || len(thread) != 1 || thread[0].ID != sent.ID {
		t.Fatalf("thread = %d %s", resp.StatusCode, body)
	}

	c1 := e.connect(t, "u1")
	resp, body = e.do(t, http.MethodPost, "/api/messages/u1/read", "u2", nil)
	var mr MarkReadResponse
	_ = json.Unmarshal(body, &mr)
	if resp.StatusCode != http.StatusOK || mr.Modified != 1 {
		t.Fatalf("mark read = %d %s", resp.StatusCode, body)
	}

	var read realtime.ReadPayload
	nextEvent(t, c1, realtime.KindRead, &read)
	if read.From != "u2" || read.To != "u1" {
		t.Fatalf("read receipt = %+v", read)
	}

	_, body = e.do(t, http.MethodGet, "/api/messages/conversations", "u2", nil)
	convs = nil
	_ = json.Unmarshal(body, &convs)
	if convs[0].UnreadCount != 0 {
		t.Fatalf("unread after mark read = %d", convs[0].UnreadCount)
	}

	_, body = e.do(t, http.MethodPost, "/api/messages/u1/read", "u2", nil)
	_ = json.Unmarshal(body, &mr)
	if mr.Modified != 0 {
		t.Fatalf("second mark read modified = %d", mr.Modified)
	}
}

func TestErrorsMapping(t *testing.T) {
	e := newEnv(t, nil)

	if resp, _ := e.do(t, http.MethodGet, "/api/messages/conversations", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{Text: "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u1", "u1", SendMessageRequest{Text: "me"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self message: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{PostID: "ghost-post"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown post: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/api/messages/u2?before=%25%25", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d", resp.StatusCode)
	}
	for _, l := range []string{"abc", "0", "-5"} {
		if resp, _ := e.do(t, http.MethodGet, "/api/messages/u2?limit="+l, "u1", nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("limit=%s: %d", l, resp.StatusCode)
		}
	}
}

func TestThreadPagingHeader(t *testing.T) {
	e := newEnv(t, nil)
	for i := 0; i < 3; i++ {
		if resp, body := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{Text: "m"}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("send %d: %s", i, body)
		}
	}

	resp, body := e.do(t, http.MethodGet, "/api/messages/u2?limit=2", "u1", nil)
	var page []domain.Message
	_ = json.Unmarshal(body, &page)
	next := resp.Header.Get(HeaderNextCursor)
	if len(page) != 2 || next == "" {
		t.Fatalf("first page: %d messages, cursor %q", len(page), next)
	}

	resp, body = e.do(t, http.MethodGet, "/api/messages/u2?limit=2&before="+next, "u1", nil)
	page = nil
	_ = json.Unmarshal(body, &page)
	if len(page) != 1 || resp.Header.Get(HeaderNextCursor) != "" {
		t.Fatalf("second page: %s", body)
	}
}

func TestSendRateLimited(t *testing.T) {
	e := newEnv(t, ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1}))

	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{Text: "one"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first send: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u2", "u1", SendMessageRequest{Text: "two"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second send: %d", resp.StatusCode)
	}
	// лимит на пользователя, не общий
	if resp, _ := e.do(t, http.MethodPost, "/api/messages/u1", "u2", SendMessageRequest{Text: "three"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("other user send: %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	if resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "dm_realtime_sessions") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
