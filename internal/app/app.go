// Package app provides application initialization and dependency wiring.
//
// App is the container holding every long-lived component: the database
// pool, the domain stores, the delivery dispatcher and the tracing
// exporter. Setup builds it in dependency order; Close releases resources
// in reverse.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/agentlink/internal/config"
	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/delivery"
	"github.com/koopa0/agentlink/internal/notebook"
	"github.com/koopa0/agentlink/internal/security"
	"github.com/koopa0/agentlink/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool        *pgxpool.Pool
	URLValidator  *security.URL
	Sessions      *session.Store
	Notebooks     *notebook.Store
	Conversations *conversation.Store
	Queue         *delivery.Queue
	Dispatcher    *delivery.Dispatcher

	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
