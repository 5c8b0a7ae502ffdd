package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pixalio/dm-service/internal/client"
	"github.com/pixalio/dm-service/internal/security"
)

var (
	version   = "0.1.0"
	serverURL string
	token     string
	verbose   bool
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "dmcli",
		Short:        "dmcli: терминальный клиент dm-service",
		Version:      version,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("DM_SERVER", "http://localhost:8080"), "base URL сервера")
	root.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("DM_TOKEN"), "bearer-токен (env DM_TOKEN)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-логи клиента")

	root.AddCommand(conversationsCmd())
	root.AddCommand(threadCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(readCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func api() (*client.API, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("token is required (--token or DM_TOKEN)")
	}
	return client.NewAPI(serverURL, token, nil), nil
}

// me: id владельца токена; подпись проверяет сервер.
func me() (string, error) {
	return security.SubjectUnverified(token)
}

func cliLogger() *slog.Logger {
	lvl := slog.LevelWarn
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
