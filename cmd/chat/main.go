// Command chat is a terminal chat client for the messaging server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Tyrowin/taskchat/internal/chat"
	"github.com/Tyrowin/taskchat/internal/client"
	"github.com/Tyrowin/taskchat/internal/server"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	flags := pflag.NewFlagSet("chat", pflag.ExitOnError)
	flags.String("user-id", "", "user id to send as; empty joins read-only")
	flags.String("user-name", "", "display name to send as")
	flags.String("room", chat.DefaultRoom, "room to join")
	flags.String("bootstrap-url", client.DefaultConfig().BootstrapURL, "bootstrap endpoint of the web application")
	flags.String("socket-url", client.DefaultConfig().SocketURL, "websocket URL of the messaging server")
	flags.String("origin", client.DefaultConfig().Origin, "Origin header sent on the handshake")
	flags.String("log-level", "warn", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("chat")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind flags")
	}
	server.ApplyLogLevel(v.GetString("log-level"))

	var user *client.Identity
	if id := v.GetString("user-id"); id != "" {
		name := v.GetString("user-name")
		if name == "" {
			name = id
		}
		user = &client.Identity{ID: id, DisplayName: name}
	}

	cfg := client.DefaultConfig()
	cfg.BootstrapURL = v.GetString("bootstrap-url")
	cfg.SocketURL = v.GetString("socket-url")
	cfg.Origin = v.GetString("origin")

	adapter := client.NewAdapter(cfg, client.IdentityFunc(func() *client.Identity { return user }))
	defer func() { _ = adapter.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printed := 0
	sub, err := adapter.Mount(ctx, v.GetString("room"), func(msgs []chat.Message) {
		// A snapshot replaces the view; reprint from the start.
		if len(msgs) < printed {
			printed = 0
		}
		for _, msg := range msgs[printed:] {
			fmt.Printf("[%s] %s: %s\n", time.UnixMilli(msg.Timestamp).Format(time.Kitchen), msg.Username, msg.Content)
		}
		printed = len(msgs)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to join chat")
	}
	defer sub.Unmount()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := adapter.SendMessage(line); err != nil && !errors.Is(err, client.ErrEmptyMessage) {
				log.Error().Err(err).Msg("Send failed")
			}
		}
	}
}
