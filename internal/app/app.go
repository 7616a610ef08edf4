// Package app wires the application together: database pool, embedding
// provider, stores, the mining runner, the retrieval engine and the HTTP
// server, with a single Close tearing everything down in reverse order.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/n1hub/deepmine/internal/api"
	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/pipeline"
	"github.com/n1hub/deepmine/internal/rag"
	"github.com/n1hub/deepmine/internal/report"
	"github.com/n1hub/deepmine/internal/store"
	"github.com/n1hub/deepmine/internal/vector"
)

// App is the assembled application.
type App struct {
	Config *config.Config
	Logger log.Logger

	DBPool *pgxpool.Pool
	Redis  *redis.Client
	Store  store.Store

	Vectorizer *vector.Vectorizer
	Runner     *pipeline.Runner
	Engine     *rag.Engine
	Reporter   *report.Reporter
	Bus        *events.Bus
	Server     *api.Server

	janitorCancel context.CancelFunc
}

// Close drains in-flight jobs and releases every resource. Safe to call on
// a partially initialized App.
func (a *App) Close() error {
	a.Logger.Info("shutting down")

	if a.janitorCancel != nil {
		a.janitorCancel()
	}
	if a.Runner != nil {
		a.Runner.Wait()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("closing redis client", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	return nil
}
