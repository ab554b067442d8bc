package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ohara-cal/federation"
)

func main() {
	cfg := federation.LoadConfig()

	accountStore, err := federation.NewAccountStore(cfg.AccountDSN)
	if err != nil {
		log.Fatalf("account store init: %v", err)
	}
	usergraphStore, err := federation.NewUsergraphStore(cfg.UserDSN)
	if err != nil {
		log.Fatalf("usergraph store init: %v", err)
	}
	federation.SetAuditRepository(accountStore)

	var queue federation.Queue
	if cfg.QueueBackend == "redis" {
		queue = federation.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword)
		log.Printf("queue backend: redis (%s)", cfg.RedisAddr)
	} else {
		queue = federation.NewMemQueue(5, 1024)
		log.Printf("queue backend: memory")
	}

	google := federation.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	microsoft := federation.NewMicrosoftProvider(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURL)
	providers := federation.NewProviderRegistry(google, microsoft)

	accounts := federation.NewAccountRegistry(accountStore, []byte(cfg.MasterKey), providers, cfg.RefreshBuffer)
	users := federation.NewUserGraphRegistry(usergraphStore, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncConsumer := federation.NewSyncConsumer(accounts, users, queue)
	writeConsumer := federation.NewWriteConsumer(accounts, users, queue)
	go func() {
		if err := syncConsumer.Run(ctx); err != nil {
			log.Printf("sync consumer stopped: %v", err)
		}
	}()
	go func() {
		if err := writeConsumer.Run(ctx); err != nil {
			log.Printf("write consumer stopped: %v", err)
		}
	}()

	reconcile := federation.NewReconcileWorker(accounts, users)
	go func() {
		err := reconcile.Start(ctx, cfg.ReconcileCron, accounts.ListAllAccountIDs)
		if err != nil {
			log.Printf("reconcile worker stopped: %v", err)
		}
	}()

	renewal := federation.NewRenewalWorker(accounts, users, cfg.WebhookBaseURL, cfg.ChannelRenewMargin)
	go func() {
		err := renewal.Start(ctx, cfg.RenewalCron, cfg.HoldSweepCron, accounts.ListAllAccountIDs, accounts.ListAllUserIDs)
		if err != nil {
			log.Printf("renewal worker stopped: %v", err)
		}
	}()

	server := federation.NewServer(accounts, users, google, microsoft, queue, cfg)
	router := server.NewRouter()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		log.Printf("listening on %s with TLS enabled", cfg.HTTPAddr)
		if err := httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	} else {
		log.Printf("listening on %s over HTTP (set TLS_CERT_FILE/TLS_KEY_FILE for TLS)", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}
}
