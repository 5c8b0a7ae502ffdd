package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pixalio/dm-service/internal/metrics"
	httpmw "github.com/pixalio/dm-service/internal/transport/http/middleware"
)

type RouterDeps struct {
	Handler *Handler
	WS      http.HandlerFunc
	Auth    httpmw.Authenticator
	Limiter httpmw.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	AllowedOrigins []string
	// Ready: проверка хранилища для /healthz; nil, всегда ok.
	Ready func(ctx context.Context) error
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(httpmw.Trace)
	r.Use(httpmw.WithRequestLogger(d.Logger))
	r.Use(httpmw.RequestLogger)
	r.Use(middlewareChi.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{HeaderNextCursor, "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// WS endpoint: токен проверяется внутри, до апгрейда
	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.AuthMiddleware(d.Auth))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/api/messages", func(rm chi.Router) {
			rm.Get("/conversations", d.Handler.ListConversations)

			rm.Route("/{otherUserId}", func(rr chi.Router) {
				rr.Get("/", d.Handler.GetThread)
				rr.With(httpmw.RateLimit(d.Limiter, "send", d.Metrics)).Post("/", d.Handler.SendMessage)
				rr.Post("/read", d.Handler.MarkRead)
			})
		})
	})

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	return r
}
