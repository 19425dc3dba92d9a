package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"astro_chat/internal/config"
	"astro_chat/internal/connection"
	"astro_chat/internal/history"
	"astro_chat/internal/logging"
	"astro_chat/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to client.yaml")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.LogLevel)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("Invalid timezone", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := connection.NewManager(cfg.ServerURL, connection.WithLogger(logger))
	defer mgr.Close()

	registry := session.NewRegistry(mgr, history.NewClient(cfg.HistoryURL, nil))
	defer registry.CloseAll()

	ended := make(chan struct{})
	sess, err := registry.Open(ctx, session.Config{
		Self:                cfg.Identity(),
		Pair:                cfg.Pair(),
		BookingDate:         cfg.BookingDate,
		TimeRange:           cfg.TimeRange,
		Location:            loc,
		WindowInterval:      cfg.WindowPollInterval,
		TypingStopAfter:     cfg.TypingStopAfter,
		RemoteTypingTimeout: cfg.RemoteTypingTimeout,
		Logger:              logger,
		OnEnded:             func() { close(ended) },
	})
	if err != nil {
		logger.Error("Failed to open session", "error", err)
		os.Exit(1)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Printf("Chatting as %s (%s) in %s. Window: %s. Type /list to show the transcript.\n",
		cfg.UserID, cfg.Role, sess.Pair().Key(), sess.WindowState())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			fmt.Println("Consultation has ended.")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(sess, line)
		}
	}
}

func handleLine(sess *session.Session, line string) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "/list":
		for _, m := range sess.Messages() {
			fmt.Println(m.String())
		}
		if sess.RemoteTyping() {
			fmt.Println("... peer is typing")
		}
		return
	}

	sess.Keystroke()
	msg, err := sess.Send(line)
	switch {
	case errors.Is(err, session.ErrWindowNotActive):
		fmt.Printf("Cannot send: consultation is %s.\n", sess.WindowState())
	case errors.Is(err, connection.ErrNotConnected):
		fmt.Println("Not connected, message not sent. Try again shortly.")
	case err != nil:
		fmt.Println("Send failed:", err)
	default:
		fmt.Println(msg.String())
	}
}
