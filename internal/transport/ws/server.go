package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pixalio/dm-service/internal/metrics"
	"github.com/pixalio/dm-service/internal/realtime"
	"github.com/pixalio/dm-service/pkg/logger"
)

type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

type TypingRelay interface {
	RelayTyping(ctx context.Context, sender, recipient string, typing bool) error
}

type Limiter interface {
	Allow(key string) bool
}

type Options struct {
	PingInterval time.Duration
	SendBuffer   int
	// AllowedOrigins пуст, пускаем всех (Origin проверяет CORS на REST).
	AllowedOrigins []string
}

type Server struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	bus      realtime.Bus
	typing   TypingRelay
	limiter  Limiter
	metrics  *metrics.Metrics

	pingEvery  time.Duration
	sendBuffer int
}

func NewServer(auth Authenticator, bus realtime.Bus, typing TypingRelay, limiter Limiter, m *metrics.Metrics, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if limiter == nil {
		limiter = allowAll{}
	}
	return &Server{
		auth:    auth,
		bus:     bus,
		typing:  typing,
		limiter: limiter,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		pingEvery:  opts.PingInterval,
		sendBuffer: opts.SendBuffer,
	}
}

// WS endpoint: GET /ws?access_token=... (или Authorization: Bearer ...)
// Без валидного токена отвечаем 401 до апгрейда; в реестр такое соединение не попадает.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		token = bearer(r.Header.Get("Authorization"))
	}
	if token == "" {
		s.metrics.Handshake(false)
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.Authenticate(token)
	if err != nil {
		s.metrics.Handshake(false)
		log.Debug("ws handshake rejected", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		log.Warn("ws upgrade failed", "user", userID, "err", err)
		return
	}
	s.metrics.Handshake(true)

	c := newWsConn(conn, userID, s.sendBuffer)
	log = log.With("user", userID, "conn", c.id)
	unsubscribe := s.bus.Subscribe(c)
	log.Info("ws connected")

	// контекст соединения живёт дольше http-запроса
	ctx, cancel := context.WithCancel(logger.WithContext(context.WithoutCancel(r.Context()), log))
	defer cancel()

	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)

	unsubscribe()
	_ = c.Close()
	log.Info("ws disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.FromContext(ctx).Debug("ws read failed", "err", err)
			}
			return
		}
		var ev realtime.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError("malformed frame")
			continue
		}

		switch ev.Type {
		case realtime.KindTyping:
			var p realtime.TypingPayload
			if ev.Decode(&p) != nil {
				c.sendError("malformed typing payload")
				continue
			}
			if strings.TrimSpace(p.To) == "" {
				continue
			}
			if !s.limiter.Allow("typing:" + c.userID) {
				s.metrics.RateLimited("typing")
				continue
			}
			if err := s.typing.RelayTyping(ctx, c.userID, p.To, p.Typing); err != nil {
				logger.FromContext(ctx).Debug("typing relay failed", "to", p.To, "err", err)
			}
		default:
			c.sendError("unsupported event type: " + string(ev.Type))
		}
	}
}

// writeLoop: единственный писатель в сокет: события из буфера и ping.
func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	defer func() { _ = c.Close() }()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.FromContext(ctx).Debug("ws write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// --- helpers ---

type allowAll struct{}

func (allowAll) Allow(string) bool { return true }

func bearer(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

type wsConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan realtime.Event
	closed chan struct{}
	once   sync.Once
}

var _ realtime.Handle = (*wsConn)(nil)

func newWsConn(c *websocket.Conn, userID string, buffer int) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   c,
		send:   make(chan realtime.Event, buffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

// Deliver не блокируется: при полном буфере или закрытом соединении событие теряется.
func (c *wsConn) Deliver(ev realtime.Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *wsConn) sendError(msg string) {
	ev, err := realtime.NewEvent(realtime.KindError, realtime.ErrorPayload{Message: msg})
	if err == nil {
		c.Deliver(ev)
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
