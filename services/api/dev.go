package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/skillsync/internal/auth"
	"github.com/skillsync/internal/config"
	"github.com/skillsync/internal/logger"
	"github.com/skillsync/internal/model"
)

var devUsers = []model.User{
	{ID: "11111111-1111-4111-8111-111111111111", Name: "Ada Lovelace", Email: "ada@skillsync.dev", NotifyMessages: true},
	{ID: "22222222-2222-4222-8222-222222222222", Name: "Alan Turing", Email: "alan@skillsync.dev", NotifyMessages: true},
	{ID: "33333333-3333-4333-8333-333333333333", Name: "Grace Hopper", Email: "grace@skillsync.dev"},
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "skillsync"
		password = "skillsync_secret"
		database = "skillsync"
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
			RuntimePath(filepath.Join(os.TempDir(), "skillsync-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

// seedDevUsers creates the demo accounts (existing ones are kept) and logs a
// token for each, so the API can be tried without an account service.
func seedDevUsers(users userStore, signer *auth.Signer) {
	ctx := context.Background()
	for i := range devUsers {
		u := devUsers[i]
		u.CreatedAt = time.Now().UTC()
		u.LastSeen = u.CreatedAt
		if err := users.Create(ctx, &u); err != nil {
			logger.Errorf("seed user %s: %v", u.Email, err)
			continue
		}
		token, err := signer.Sign(u.ID, u.Name)
		if err != nil {
			logger.Errorf("sign token %s: %v", u.Email, err)
			continue
		}
		logger.Infof("dev user %s (%s) token: %s", u.Name, u.ID, token)
	}
}
