package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixalio/dm-service/internal/realtime"
)

// Socket: realtime-соединение клиента. Events закрывается, когда соединение рвётся.
type Socket struct {
	conn   *websocket.Conn
	events chan realtime.Event
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex
	errMu   sync.Mutex
	err     error
}

// Dial подключается к ws(s)://host/ws; serverURL может быть http(s)-адресом сервиса.
func Dial(ctx context.Context, serverURL, token string) (*Socket, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws"

	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := d.DialContext(ctx, u.String(), http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{Status: resp.StatusCode, Message: "realtime handshake rejected"}
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &Socket{conn: conn, events: make(chan realtime.Event, 64), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	defer close(s.events)
	for {
		var ev realtime.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			return
		}
		// читатель мог уйти, Close не должен ждать освобождения буфера
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) Events() <-chan realtime.Event { return s.events }

// Err: причина закрытия Events.
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Socket) SendTyping(_ context.Context, to string, typing bool) error {
	ev, err := realtime.NewEvent(realtime.KindTyping, realtime.TypingPayload{To: to, Typing: typing})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(ev)
}

func (s *Socket) Close() error {
	s.once.Do(func() { close(s.done) })
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
