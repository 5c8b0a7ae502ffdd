package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixalio/dm-service/config"
	"github.com/pixalio/dm-service/internal/metrics"
	"github.com/pixalio/dm-service/internal/ratelimit"
	"github.com/pixalio/dm-service/internal/realtime"
	"github.com/pixalio/dm-service/internal/realtime/natsbus"
	"github.com/pixalio/dm-service/internal/security"
	"github.com/pixalio/dm-service/internal/service"
	grpcx "github.com/pixalio/dm-service/internal/transport/grpc"
	httpx "github.com/pixalio/dm-service/internal/transport/http"
	"github.com/pixalio/dm-service/internal/transport/ws"
	"github.com/pixalio/dm-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     logger.ParseLevel(cfg.Logging.Level),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	defer func() { _ = logger.Sync() }()
	lg.Info("starting dm-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version,
		"storage", cfg.Storage.Driver, "bus", cfg.Realtime.Bus)

	if err := run(cfg, lg); err != nil {
		lg.Error("dm-service stopped with error", "err", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	lg.Info("stopped")
}

func run(cfg *config.Config, lg *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- storage ---
	st, err := openStore(ctx, cfg.Storage, cfg.Logging.Service, lg)
	if err != nil {
		return err
	}
	defer st.close()

	// --- metrics ---
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// --- realtime bus ---
	hub := realtime.NewHub(m, lg)
	var bus realtime.Bus = hub
	if cfg.Realtime.Bus == "nats" {
		nb, err := natsbus.Connect(cfg.Realtime.NatsURL, cfg.Realtime.SubjectPrefix, hub, lg)
		if err != nil {
			return err
		}
		if err := nb.Start(); err != nil {
			_ = nb.Close()
			return err
		}
		defer func() { _ = nb.Close() }()
		bus = nb
	}

	// --- auth ---
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	// --- service ---
	svc := service.NewMessagingService(service.Deps{
		Messages:      st,
		Conversations: st,
		Directory:     st,
		Posts:         st,
		Bus:           bus,
		Metrics:       m,
	},
		service.WithMaxTextLen(cfg.Messaging.MaxTextLen),
		service.WithThreadPageLimit(cfg.Messaging.ThreadPageLimit),
	)

	// --- transports ---
	sendLimit := ratelimit.New(limitConfig(cfg.RateLimit.Send))
	typingLimit := ratelimit.New(limitConfig(cfg.RateLimit.Typing))

	wsServer := ws.NewServer(verifier, bus, svc, typingLimit, m, ws.Options{
		PingInterval:   cfg.Realtime.PingIntervalOr(),
		SendBuffer:     cfg.Realtime.SendBuffer,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:        httpx.NewHandler(svc),
		WS:             wsServer.HandleWS,
		Auth:           verifier,
		Limiter:        sendLimit,
		Metrics:        m,
		Logger:         lg,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Ready:          st.ping,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeoutOr(),
		WriteTimeout: cfg.HTTP.WriteTimeoutOr(),
		IdleTimeout:  cfg.HTTP.IdleTimeoutOr(),
	}

	// --- run servers ---
	errCh := make(chan error, 2)

	go func() {
		lg.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpcx.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpcx.NewServer(lg)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		go grpcSrv.WatchReadiness(ctx, 0, st.ping)
		go func() {
			lg.Info("grpc listen", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.GRPC.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	// --- graceful shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal")
	case runErr = <-errCh:
		lg.Error("server error", "err", runErr)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeoutOr())
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.Shutdown()
	}
	// hijacked ws-соединения Shutdown не ждёт: они закрываются вместе с процессом
	if err := httpSrv.Shutdown(ctxShutdown); err != nil {
		lg.Warn("http shutdown", "err", err)
	}
	return runErr
}

func newVerifier(cfg config.Auth) (*security.Verifier, error) {
	if cfg.PublicKeyPath != "" {
		pub, err := security.LoadRSAPublicKeyFromPEM(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return security.NewRS256Verifier(pub, cfg.Issuer, cfg.Audience, cfg.ClockSkewOr()), nil
	}
	return security.NewHS256Verifier([]byte(cfg.Secret), cfg.Issuer, cfg.Audience, cfg.ClockSkewOr()), nil
}

func limitConfig(b config.Bucket) ratelimit.Config {
	return ratelimit.Config{RPS: b.RPS, Burst: b.Burst, IdleTTL: b.IdleTTLOr()}
}
