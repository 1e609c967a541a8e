package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notehub/chat/internal/config"
	"github.com/notehub/chat/internal/handler"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/middleware"
	"github.com/notehub/chat/internal/observability"
	"github.com/notehub/chat/internal/push"
	"github.com/notehub/chat/internal/repository"
	"github.com/notehub/chat/internal/security"
	"github.com/notehub/chat/internal/service"
	"github.com/notehub/chat/internal/startup"
	"github.com/notehub/chat/internal/ws"
)

// devUsers — пользователи, которых режим -dev заводит в пустой БД.
var devUsers = []struct {
	id   int64
	name string
}{{1, "alice"}, {2, "bob"}, {3, "carol"}}

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and seeded users (no external DB required)")
	flag.Parse()

	logger.Info("starting chat service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
	}

	err := run(cfg, *migrate && !*dev, *dev)
	if embeddedDB != nil {
		logger.Info("stopping embedded postgres...")
		if stopErr := embeddedDB.Stop(); stopErr != nil {
			logger.Errorf("embedded postgres stop: %v", stopErr)
		}
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrateOnly, dev bool) error {
	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool, err := startup.ConnectDB(ctx, poolCfg, 60*time.Second)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := startup.RunMigrations(ctx, pool); err != nil {
		return err
	}
	if migrateOnly {
		return nil
	}
	logger.Info("database connected, migrations applied")

	users := repository.NewUserRepository(pool)
	if dev {
		seedDevUsers(ctx, cfg, users)
	}

	store, err := startup.OpenStore(ctx, cfg.Redis.URL, 30*time.Second)
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := security.NewMessageCipher(cfg.ChatMasterKey, cfg.ChatKDFIterations)
	if err != nil {
		return fmt.Errorf("message cipher: %w", err)
	}
	svc := service.NewChatService(service.Deps{
		Rooms:     repository.NewRoomRepository(pool),
		Messages:  repository.NewMessageRepository(pool),
		Pins:      repository.NewPinnedRepository(pool),
		Reactions: repository.NewReactionRepository(pool),
		Receipts:  repository.NewReceiptRepository(pool),
		Users:     users,
		Tx:        repository.NewTxManager(pool),
		Cipher:    cipher,
	})

	notifier := push.NewNotifier(store, vapidKeys(cfg), cfg.Push.Subject)
	if !notifier.Enabled() {
		logger.Info("web push disabled (no VAPID keys)")
	}

	hub := ws.NewHub(svc, store, notifier, hubOptions(cfg))
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	h := &handler.Handlers{
		Chat:    handler.NewChatHandler(svc, hub),
		Message: handler.NewMessageHandler(svc, hub),
		User:    handler.NewUserHandler(svc, hub),
		Push:    handler.NewPushHandler(notifier),
		WS:      handler.NewWSHandler(hub, svc, cfg.CORSAllowedOrigins),
		Config:  handler.NewConfigHandler(notifier),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitAPI(store, cfg.Rate.APIPerMinute))
		h.MountPublic(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTSecret))
		r.Use(middleware.RateLimitAPI(store, cfg.Rate.APIPerMinute))
		h.Mount(r)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	return serveErr
}

// hubOptions переводит токен-бакет из конфига в окно фиксированной длины шлюза:
// SendBurst событий за SendBurst/SendPerSecond секунд.
func hubOptions(cfg *config.Config) ws.Options {
	opts := ws.Options{
		MaxConnections: cfg.WS.MaxConnections,
		SendBufferSize: cfg.WS.SendBufferSize,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		EventLimit:     cfg.Rate.SendBurst,
	}
	if cfg.Rate.SendPerSecond > 0 && cfg.Rate.SendBurst > 0 {
		opts.EventWindow = time.Duration(float64(cfg.Rate.SendBurst) / cfg.Rate.SendPerSecond * float64(time.Second))
	}
	return opts
}

// vapidKeys берёт ключи из окружения; вне production недостающие генерируются и сохраняются в файл.
func vapidKeys(cfg *config.Config) *push.VAPIDKeys {
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		return &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	}
	if cfg.IsProduction() {
		return nil
	}
	keys, err := push.LoadOrCreateVAPIDKeys(cfg.Push.KeysFile)
	if err != nil {
		logger.Errorf("vapid keys: %v", err)
		return nil
	}
	return keys
}

// seedDevUsers заводит пользователей для -dev и печатает их токены на сутки.
func seedDevUsers(ctx context.Context, cfg *config.Config, users *repository.UserRepository) {
	for _, u := range devUsers {
		if err := users.Ensure(ctx, u.id, u.name, false); err != nil {
			logger.Errorf("seed user %s: %v", u.name, err)
			continue
		}
		tok, err := middleware.IssueToken(cfg.JWTSecret, u.id, 24*time.Hour)
		if err != nil {
			logger.Errorf("dev token %s: %v", u.name, err)
			continue
		}
		logger.Infof("dev user %s (id=%d) token: %s", u.name, u.id, tok)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "notehub"
		password = "notehub_secret"
		database = "notehub"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
