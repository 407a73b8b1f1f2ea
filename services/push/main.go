// Command push is the Web Push delivery service: subscriptions live in Redis,
// deliveries are VAPID-signed.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/middleware"
	"github.com/skillsync/internal/push"
	"github.com/skillsync/internal/startup"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()
	logger.SetLevel(os.Getenv("LOG_LEVEL"))

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		time.Sleep(100 * time.Millisecond) // let the async logger flush
		return
	}

	logger.Info("starting push service")
	addr := getEnv("SERVER_ADDR", ":8082")
	keys := push.VAPIDKeys{PublicKey: os.Getenv("VAPID_PUBLIC_KEY"), PrivateKey: os.Getenv("VAPID_PRIVATE_KEY")}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		if k, err := push.EnsureVAPIDKeys(""); err == nil {
			keys = *k
		} else {
			logger.Errorf("VAPID keys unavailable, delivery disabled: %v", err)
		}
	}

	rdb := startup.ConnectRedisWithRetry(getEnv("REDIS_URL", "redis://localhost:6379"), 60*time.Second, "")
	defer rdb.Close()
	logger.Info("redis connected")

	var sender push.Sender
	if keys.PublicKey != "" && keys.PrivateKey != "" {
		sender = push.NewVAPIDSender(keys, getEnv("VAPID_SUBSCRIBER", "skillsync-push"))
	} else {
		logger.Info("push delivery disabled: subscriptions are stored, nothing is sent")
	}
	s := push.NewServer(push.NewStore(rdb.Redis()), sender, keys.PublicKey)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	r.Group(func(r chi.Router) {
		// reachable from the API only
		r.Use(middleware.InternalOnly(os.Getenv("INTERNAL_SECRET")))
		s.Routes(r)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("push server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
}
