package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alatele/internal/api"
	"alatele/internal/auth"
	"alatele/internal/cache"
	"alatele/internal/config"
	"alatele/internal/filestore"
	"alatele/internal/http"
	"alatele/internal/models"
	"alatele/internal/notify"
	"alatele/internal/profile"
	"alatele/internal/rpc"
	"alatele/internal/send"
	"alatele/internal/session"
	"alatele/internal/storage"
	"alatele/internal/stubs"
	"alatele/internal/ws"

	"golang.org/x/sync/errgroup"
)

// startStub serves an in-memory backend on a loopback port and returns its
// base URL.
func startStub(cfg *config.Config) (string, func(), error) {
	admins := map[string]string{}
	if cfg.Credentials().Mode == auth.ModeAdmin {
		admins[cfg.Username] = cfg.Password
	}
	backend := stubs.New(stubs.Config{Admins: admins})
	backend.Seed()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	server := &oshttp.Server{Handler: backend.Handler()}
	go func() {
		if err := server.Serve(ln); err != nil && err != oshttp.ErrServerClosed {
			slog.Error("stub backend failed", "error", err)
		}
	}()

	url := "http://" + ln.Addr().String()
	log.Printf("Stub backend started on %s", url)
	return url, func() { _ = server.Close() }, nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.CacheDB)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	// The session needs the cache, so the rollback hook reaches it late.
	var sess *session.Session
	store := cache.New(cache.Config{
		Persister: bbStorage,
		OnRollback: func(scope models.Scope) {
			if sess != nil {
				sess.Resync(scope)
			}
		},
	})
	if lists, err := bbStorage.LoadScopes(); err != nil {
		slog.Error("failed to load cached scopes", "error", err)
	} else {
		store.Warm(lists)
	}

	backendURL := cfg.BackendURL
	if cfg.Stub {
		url, stop, err := startStub(cfg)
		if err != nil {
			return err
		}
		defer stop()
		backendURL = url
	}

	client := rpc.New(rpc.Config{BaseURL: backendURL, Timeout: cfg.RequestTimeout})
	principal, err := auth.NewAuthenticator(client).Login(ctx, cfg.Credentials())
	if err != nil {
		return err
	}
	log.Printf("Signed in as %s (%s)", principal.DisplayName, principal.Identity)

	g, gCtx := errgroup.WithContext(ctx)

	profiles := profile.New(gCtx, profile.Config{Source: client, TTL: cfg.ProfileTTL})
	if contacts, err := client.Contacts(ctx); err != nil {
		slog.Error("failed to load contacts", "error", err)
	} else {
		profiles.SetContacts(contacts)
	}

	notifier := notify.New(notify.Config{
		Store:           bbStorage,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	})

	sess = session.New(session.Config{
		Cache:                 store,
		Source:                client,
		Names:                 profiles,
		Principal:             principal,
		Observer:              notifier,
		PollInterval:          cfg.PollInterval,
		ConversationsInterval: cfg.ConversationsInterval,
	})

	coordinator := send.New(send.Config{
		Cache:     store,
		Remote:    client,
		Timeout:   cfg.SendTimeout,
		OnSettled: sess.Invalidate,
	})

	files, err := filestore.NewLocalFileStore(cfg.BlobsPath)
	if err != nil {
		return err
	}
	blobs := filestore.NewCache(filestore.CacheConfig{
		Files:    files,
		Metadata: bbStorage,
		Remote:   client,
	})

	hub := ws.NewHub(ws.HubConfig{
		Cache:     store,
		Session:   sess,
		Sender:    coordinator,
		Principal: principal,
	})
	handlers := api.New(api.Config{
		Cache:       store,
		Session:     sess,
		Coordinator: coordinator,
		Backend:     client,
		Profiles:    profiles,
		Attachments: blobs,
		Notifier:    notifier,
	})

	apiServer := http.NewAPIServer(http.NewAPIHandler(handlers, ws.NewServer(hub)), cfg.APIAddr)
	adminServer := http.NewAdminServer(api.NewAdminHandler(store, sess), cfg.AdminAddr)

	g.Go(func() error {
		return sess.Run(gCtx)
	})

	// Start Admin Server
	g.Go(func() error {
		return adminServer.Start()
	})

	// Start UI bridge
	g.Go(func() error {
		return apiServer.Start()
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
			log.Printf("UI bridge shutdown error: %v", err)
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
