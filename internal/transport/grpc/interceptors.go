package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pixalio/dm-service/pkg/logger"
)

const mdRequestID = "x-request-id"

// withCallLogger кладёт в контекст логгер с методом и request id из metadata.
func withCallLogger(ctx context.Context, base *slog.Logger, method string) (context.Context, *slog.Logger) {
	l := base.With("grpc_method", method)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(mdRequestID); len(v) > 0 && v[0] != "" {
			l = l.With("req_id", v[0])
		}
	}
	return logger.WithContext(ctx, l), l
}

// Unary logging + recovery + timeout guard (если у вызова нет deadline)
func UnaryServerInterceptor(base *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
		}
		ctx, l := withCallLogger(ctx, base, info.FullMethod)

		defer func() {
			if r := recover(); r != nil {
				l.Error("grpc unary panic", "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			l.LogAttrs(ctx, levelFor(err), "grpc unary",
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
				slog.String("code", status.Code(err).String()))
		}()

		return handler(ctx, req)
	}
}

// Stream: только recovery и итоговый лог (Health.Watch живёт долго).
func StreamServerInterceptor(base *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()
		_, l := withCallLogger(ss.Context(), base, info.FullMethod)

		defer func() {
			if r := recover(); r != nil {
				l.Error("grpc stream panic", "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			l.LogAttrs(ss.Context(), levelFor(err), "grpc stream",
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
				slog.String("code", status.Code(err).String()))
		}()

		return handler(srv, ss)
	}
}

func levelFor(err error) slog.Level {
	switch status.Code(err) {
	case codes.OK, codes.Canceled, codes.NotFound:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
