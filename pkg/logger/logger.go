package logger

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/zap"
)

type ctxKey struct{}

var (
	def *slog.Logger
	zl  *zap.Logger
)

// Init настраивает slog по окружению и делает его логгером по умолчанию.
func Init(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "dm-service"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h, zl = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = traceHandler{h.WithAttrs(commonAttrs(cfg))}

	def = slog.New(h)
	slog.SetDefault(def)
	return def
}

func L() *slog.Logger {
	if def != nil {
		return def
	}

	return Init(Config{})
}

// Sync сбрасывает буферы zap-бекенда; для std, no-op.
func Sync() error {
	if zl == nil {
		return nil
	}
	return zl.Sync()
}

// WithContext кладёт логгер (обычно с req_id) в контекст.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext достаёт логгер из контекста, иначе глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return L()
}
