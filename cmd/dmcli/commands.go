package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixalio/dm-service/internal/client"
	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/security"
)

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "Список диалогов, новые сверху",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api()
			if err != nil {
				return err
			}
			convs, err := a.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range convs {
				unread := ""
				if c.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d)", c.UnreadCount)
				}
				fmt.Printf("%-20s %-12s%s  %s\n", c.User.Username, c.User.ID, unread, preview(c.LastMessage))
			}
			return nil
		},
	}
}

func threadCmd() *cobra.Command {
	var (
		before string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "thread <user>",
		Short: "Переписка с пользователем, старые сверху",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api()
			if err != nil {
				return err
			}
			msgs, next, err := a.ThreadPage(cmd.Context(), args[0], before, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			if next != "" {
				fmt.Printf("-- older: --before %s\n", next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "курсор страницы (из предыдущего вывода)")
	cmd.Flags().IntVar(&limit, "limit", 0, "размер страницы (0, по умолчанию сервера)")
	return cmd
}

func sendCmd() *cobra.Command {
	var media, post string
	cmd := &cobra.Command{
		Use:   "send <user> [text...]",
		Short: "Отправить сообщение",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api()
			if err != nil {
				return err
			}
			m, err := a.Send(cmd.Context(), args[0], client.SendRequest{
				Text:     strings.Join(args[1:], " "),
				MediaURL: media,
				PostID:   post,
			})
			if err != nil {
				return err
			}
			printMessage(*m)
			return nil
		},
	}
	cmd.Flags().StringVar(&media, "media", "", "URL вложения")
	cmd.Flags().StringVar(&post, "post", "", "id поста для пересылки")
	return cmd
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <user>",
		Short: "Отметить входящие от пользователя прочитанными",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api()
			if err != nil {
				return err
			}
			n, err := a.MarkRead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("marked %d\n", n)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Печатать realtime-события как JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := api(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sock, err := client.Dial(ctx, serverURL, token)
			if err != nil {
				return err
			}
			defer sock.Close()

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sock.Events():
					if !ok {
						return sock.Err()
					}
					_ = enc.Encode(ev)
				}
			}
		},
	}
}

// chatCmd открывает интерактивный тред: строки stdin уходят сообщениями, события печатаются.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user>",
		Short: "Интерактивный чат с пользователем",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := api()
			if err != nil {
				return err
			}
			self, err := me()
			if err != nil {
				return err
			}
			peer := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sock, err := client.Dial(ctx, serverURL, token)
			if err != nil {
				return err
			}
			defer sock.Close()

			var (
				ctl     *client.Controller
				printMu sync.Mutex
				printed int
			)
			ctl = client.NewController(self, a, sock, client.Options{
				Logger: cliLogger(),
				OnChange: func() {
					printMu.Lock()
					defer printMu.Unlock()
					v := ctl.View()
					for ; printed < len(v.Thread); printed++ {
						if !v.Thread[printed].Pending {
							printMessage(v.Thread[printed].Message)
						} else {
							break
						}
					}
				},
			})
			if err := ctl.Start(ctx); err != nil {
				return err
			}
			if err := ctl.Open(ctx, peer); err != nil {
				return err
			}
			go func() { _ = ctl.Run(ctx, sock.Events()) }()

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					ctl.StopComposing(context.Background())
					ctl.Wait()
					return nil
				case line, ok := <-lines:
					if !ok {
						ctl.Wait()
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					ctl.Composing(ctx)
					if _, err := ctl.Send(ctx, peer, client.SendRequest{Text: line}); err != nil {
						fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
					}
				}
			}
		},
	}
}

// tokenCmd: dev-токен HS256 для локального сервера с auth.secret.
func tokenCmd() *cobra.Command {
	var (
		secret, issuer, audience, role string
		ttl                            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Выпустить dev-токен (HS256)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret (or JWT_SECRET) is required")
			}
			tok, err := security.NewHS256Signer([]byte(secret), issuer, audience, ttl).Sign(args[0], role, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret сервера")
	cmd.Flags().StringVar(&issuer, "iss", "", "issuer")
	cmd.Flags().StringVar(&audience, "aud", "", "audience")
	cmd.Flags().StringVar(&role, "role", "user", "роль")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "время жизни")
	return cmd
}

func preview(m domain.Message) string {
	switch {
	case m.Text != nil:
		return *m.Text
	case m.Post != nil:
		return "[post " + m.Post.ID + "]"
	case m.MediaURL != nil:
		return "[media]"
	}
	return ""
}

func printMessage(m domain.Message) {
	mark := ""
	if m.Read {
		mark = " ✓"
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.From, preview(m), mark)
}
