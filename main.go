package main

import (
	"context"
	"errors"
	"fitchat/internal/api"
	"fitchat/internal/auth"
	"fitchat/internal/cache"
	"fitchat/internal/chat"
	"fitchat/internal/commands"
	"fitchat/internal/config"
	"fitchat/internal/models"
	"fitchat/internal/notify"
	"fitchat/internal/storage"
	"fitchat/internal/tutor"
	"fitchat/internal/ws"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	session, err := auth.NewSession(auth.Config{
		BaseURL:   cfg.APIURL,
		SessionID: cfg.SessionID,
		CSRFToken: cfg.CSRFToken,
	})
	if err != nil {
		return err
	}

	client := api.New(api.Config{
		BaseURL:           cfg.APIURL,
		NotificationsPath: cfg.NotificationsPath,
		Timeout:           cfg.RequestTimeout,
	}, session)

	queryCache := cache.New(ctx, cfg.CacheTTL)
	shell := commands.New(out)

	chatManager := chat.New(ctx, chat.Config{
		API:          client,
		Dialer:       ws.NewDialer(session.Jar(), cfg.APIURL, cfg.RequestTimeout),
		Cache:        queryCache,
		WSURL:        cfg.WSURL,
		Self:         models.UserRef{ID: cfg.UserID, Username: cfg.Username},
		HistoryLimit: cfg.HistoryLimit,
		Store:        bbStorage,
		OnError:      shell.OnError,
		OnMessage:    shell.OnMessage,
		OnState:      shell.OnState,
	})
	defer func() { _ = chatManager.Close() }()

	tutorManager := tutor.New(tutor.Config{
		API:      client,
		Auth:     session,
		Cache:    queryCache,
		Store:    bbStorage,
		OnError:  shell.OnError,
		OnUpdate: shell.OnTutorUpdate,
	})
	session.OnChange(func(authenticated bool) {
		if !authenticated {
			log.Println("Session rejected by the server, tutor state cleared")
		}
		tutorManager.HandleAuthChange(authenticated)
	})

	shell.Bind(commands.Deps{
		Chat:   chatManager,
		Tutor:  tutorManager,
		Badges: notify.New(client, queryCache, chatManager),
		Store:  bbStorage,
	})

	if err := chatManager.Restore(); err != nil {
		slog.Warn("failed to restore conversations", "error", err)
	}
	if err := tutorManager.Restore(); err != nil {
		slog.Warn("failed to restore tutor sessions", "error", err)
	}

	lastConversation, err := bbStorage.Selection(storage.SelectionConversation)
	if err != nil {
		slog.Warn("failed to read last conversation", "error", err)
	}
	lastAiSession, err := bbStorage.Selection(storage.SelectionAiSession)
	if err != nil {
		slog.Warn("failed to read last tutor session", "error", err)
	}

	log.Printf("Connected to %s as %s", cfg.APIURL, models.UserRef{ID: cfg.UserID, Username: cfg.Username})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		shell.Warmup(gCtx, lastConversation, lastAiSession)
		return nil
	})

	g.Go(func() error {
		return shell.Run(gCtx, in)
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
