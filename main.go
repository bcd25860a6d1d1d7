package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/config"
	"github.com/nexus-im/courier/internal/delivery"
	"github.com/nexus-im/courier/internal/logging"
	"github.com/nexus-im/courier/internal/media"
	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/internal/server"
	"github.com/nexus-im/courier/store"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var addr = flag.String("addr", "", "http service address (overrides HTTP_ADDR)")

func main() {
	flag.Parse()

	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	log := logging.New(cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.BadgerPath, log)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		log.Info("Closing store")
		if err := stores.Close(); err != nil {
			log.Error("Error closing store", "error", err)
		}
	}()

	hub := delivery.NewHub(log,
		delivery.WithMirrorToSender(cfg.MirrorToSender),
		delivery.WithOfflineHook(server.LastSeenHook(log, stores.Users)),
	)

	uploader, mediaDir := newUploader(cfg)
	svc := messaging.NewService(log, stores.Messages, stores.Users, uploader, hub, hub, cfg.UploadTimeout)

	srv := server.New(server.Options{
		Log:               log,
		Service:           svc,
		Users:             stores.Users,
		Hub:               hub,
		Auth:              auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.AuthTokenDuration),
		ClientURL:         cfg.ClientURL,
		ChannelBufferSize: cfg.ChannelBufferSize,
		MaxImageBytes:     cfg.MaxImageBytes,
		MediaDir:          mediaDir,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.CloseChannels)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "upload", cfg.UploadDriver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped", "online_users", len(hub.OnlineUsers()))
	return exitOK, nil
}

// newUploader returns the media host for cfg and, for the disk driver, the
// directory the server has to expose under /media/.
func newUploader(cfg config.Config) (media.Uploader, string) {
	policy := media.Policy{MaxBytes: cfg.MaxImageBytes}
	if cfg.UploadDriver == config.UploadCloudinary {
		return media.Guarded{
			Policy: policy,
			Uploader: &media.CloudinaryUploader{
				CloudName: cfg.CloudinaryCloudName,
				APIKey:    cfg.CloudinaryAPIKey,
				APISecret: cfg.CloudinaryAPISecret,
				Folder:    cfg.CloudinaryFolder,
			},
		}, ""
	}
	return &media.DiskUploader{Dir: cfg.MediaDir, BaseURL: cfg.MediaBaseURL, Policy: policy}, cfg.MediaDir
}
