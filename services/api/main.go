// Command api serves the SkillSync chat REST API and the realtime gateway.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillsync/internal/auth"
	"github.com/skillsync/internal/config"
	"github.com/skillsync/internal/handler"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/metrics"
	"github.com/skillsync/internal/middleware"
	"github.com/skillsync/internal/model"
	"github.com/skillsync/internal/push"
	"github.com/skillsync/internal/repository"
	"github.com/skillsync/internal/startup"
	"github.com/skillsync/internal/storage"
	"github.com/skillsync/internal/storage/devstore"
	"github.com/skillsync/internal/storage/memory"
	"github.com/skillsync/internal/ws"
	"github.com/skillsync/migrations"
)

// chatStore is what both the Postgres repository and devstore provide.
type chatStore interface {
	ws.ChatStore
	handler.ChatReader
}

type userStore interface {
	ws.UserStore
	Create(ctx context.Context, u *model.User) error
	ResetOnline(ctx context.Context) error
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and seeded demo users")
	inMemory := flag.Bool("memory", false, "keep chats and users in process memory (no database)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			logger.Errorf("config: %s", p)
		}
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}

	var (
		chats chatStore
		users userStore
	)
	if *inMemory {
		ds := devstore.New()
		defer ds.Close()
		chats, users = ds, ds
		logger.Info("in-memory store: nothing survives a restart")
	} else {
		if *dev {
			db, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := db.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		pool := connectPostgres(cfg)
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := startup.RunMigrations(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Info("database connected, migrations applied")
		if *migrate {
			return
		}
		chats, users = repository.NewChatRepository(pool), repository.NewUserRepository(pool)
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	resetStalePresence(resetCtx, users, cfg)
	resetCancel()

	if *dev || *inMemory {
		seedDevUsers(users, auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, 7*24*time.Hour))
	}

	dedup := openDedup(cfg)
	defer dedup.Close()

	pushClient := push.NewClient(cfg.PushServiceURL).WithInternalSecret(cfg.InternalSecret)
	var notifier ws.PushNotifier
	if pushClient.Enabled() {
		notifier = pushClient
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chats, users, dedup, notifier, cfg.Realtime)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	chatH := handler.NewChatHandler(chats, users, hub, cfg.Realtime.HistoryLimit)
	userH := handler.NewUserHandler(users)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)
	wsH := handler.NewWSHandler(hub, verifier, users, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// compressing an upgrade would hide http.Hijacker from the WebSocket handshake
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
	r.Use(metrics.HTTP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !config.AllowsAnyOrigin(cfg.CORSAllowedOrigins),
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(cfg.InternalSecret)).Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/api/config/realtime", configH.GetRealtimeConfig)
	// the handshake authenticates itself: browsers cannot send headers on a WebSocket
	r.Get("/ws", wsH.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(verifier))
		r.Use(middleware.RateLimit(cfg.RateLimitPerIP, cfg.RateLimitPerUser))
		r.Get("/api/chat", chatH.GetUserChats)
		r.Post("/api/chat/direct", chatH.CreateDirectChat)
		r.Get("/api/chat/{chatId}", chatH.GetChat)
		r.Post("/api/chat/{chatId}/messages", chatH.PostMessage)
		r.Get("/api/users/{id}/presence", userH.GetPresence)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
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
	srvWg.Wait()
}

func connectPostgres(cfg *config.Config) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 2
	return startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
}

type presenceResetter interface {
	ResetOnline(ctx context.Context) error
}

// resetStalePresence clears online flags a crash left behind. With the shared
// Redis window several gateways serve the same users, and a restart of one
// must not mark users of the others offline, so the reset is skipped there.
func resetStalePresence(ctx context.Context, users presenceResetter, cfg *config.Config) bool {
	if cfg.Realtime.DedupBackend == config.DedupRedis {
		logger.Info("multi-gateway mode: stale online flags are not reset at startup")
		return false
	}
	if err := users.ResetOnline(ctx); err != nil {
		logger.Errorf("reset online status: %v", err)
		return false
	}
	return true
}

// openDedup picks the dedup window. Redis shares it across gateway processes.
func openDedup(cfg *config.Config) storage.DedupWindow {
	if cfg.Realtime.DedupBackend == config.DedupRedis && cfg.RedisURL != "" {
		rdb := startup.ConnectRedisWithRetry(cfg.RedisURL, 30*time.Second, "")
		logger.Info("dedup window: redis")
		return rdb
	}
	logger.Info("dedup window: in-process")
	return memory.New(time.Second)
}
