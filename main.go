package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veche/internal/api"
	"veche/internal/auth"
	"veche/internal/commands"
	"veche/internal/config"
	"veche/internal/filestore"
	"veche/internal/http"
	"veche/internal/identity"
	"veche/internal/notify"
	"veche/internal/storage"
	"veche/internal/upsert"
	"veche/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	upsertUser := flag.String("upsert-user", "", "username:email to upsert via the admin API (prints a one-time login link)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *upsertUser != "" {
		return commands.UpsertUser(*upsertUser, cfg)
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{
		APIRequesterID: cfg.APIRequesterID,
		APISecret:      cfg.APISecret,
		SecretExpiry:   cfg.SecretExpiry,
		SessionExpiry:  cfg.SessionExpiry,
	}, store)
	if err != nil {
		return err
	}

	resolver := identity.NewResolver(store)

	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.ResendAPIKey != "" {
		mailer = notify.NewResendMailer(cfg.ResendAPIKey, cfg.MailFrom)
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		BaseURL:         cfg.BaseURL,
		SiteName:        cfg.SiteName,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		VAPIDSubscriber: cfg.VAPIDSubscriber,
	}, store, mailer)

	engine := upsert.NewEngine(upsert.Config{
		NotifyOnPageEdit: cfg.NotifyOnPageEdit,
	}, store, resolver, dispatcher)

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	apiHandlers := api.New(authService, resolver, engine, store, dispatcher, hub)
	filesAPI := api.NewFilesAPI(store, files)
	wsServer := ws.NewServer(authService, hub, func(pageID, userID int64, body string) error {
		_, err := apiHandlers.PostChatMessage(pageID, userID, body, nil)
		return err
	})

	adminHandler := api.NewAdminHandler(authService, resolver, store, cfg.BaseURL, cfg.AdminPassword)
	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, filesAPI, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Notification worker. Runs as long as the servers do.
	g.Go(func() error {
		if err := dispatcher.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
