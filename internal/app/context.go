// Package app wires the stores, engine, and fabric into one runtime.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/fabric"
	"deskline/internal/migrate"
	"deskline/internal/repo"
)

// App is the assembled runtime shared by the CLI and the server.
type App struct {
	DB     *sql.DB
	Store  *repo.SQLite
	Bus    *fabric.Bus
	Engine *engine.Engine
	Config *config.Config
	Logger *zap.Logger
}

// Open loads config, opens and migrates the database, builds the fabric and
// engine, and seeds the knowledge store from config. Learned answers are
// never overwritten by seeding.
func Open(ctx context.Context, workspace string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store := repo.NewSQLite(conn)
	bus := fabric.NewBus(fabric.Config{
		SubscriberQueue: cfg.Fabric.SubscriberQueue,
		HoldBuffer:      cfg.Fabric.HoldBuffer,
		Retention:       cfg.Fabric.RetentionDuration(),
	}, logger.Named("fabric"))
	eng := engine.New(store, bus, cfg, logger.Named("engine"))

	a := &App{DB: conn, Store: store, Bus: bus, Engine: eng, Config: cfg, Logger: logger}
	if err := a.seedKnowledge(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) seedKnowledge(ctx context.Context) error {
	if len(a.Config.Knowledge.Seed) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]domain.KnowledgeEntry, 0, len(a.Config.Knowledge.Seed))
	for _, s := range a.Config.Knowledge.Seed {
		entries = append(entries, domain.KnowledgeEntry{
			NormalizedQuestion: domain.NormalizeQuestion(s.Question),
			Question:           s.Question,
			Answer:             s.Answer,
			UpdatedAt:          now,
		})
	}
	_, err := a.Engine.SeedKnowledge(ctx, entries)
	if err != nil {
		return fmt.Errorf("seed knowledge: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}
