// Package app wires the dispatch engine from configuration. Shared by
// cmd/api and cmd/dispatchctl.
package app

import (
	"log/slog"
	"net/http"

	"github.com/albapepper/gig-dispatch/internal/config"
	"github.com/albapepper/gig-dispatch/internal/credentials"
	"github.com/albapepper/gig-dispatch/internal/dispatch"
	"github.com/albapepper/gig-dispatch/internal/notifications"
)

// Querier is what both Postgres stores need; *pgxpool.Pool satisfies it.
type Querier interface {
	dispatch.Querier
	notifications.Querier
}

// Engine holds the long-lived components of the dispatch engine.
type Engine struct {
	Credentials *credentials.Exchange
	PushStore   *notifications.PGStore
	Push        *notifications.Service
	Coordinator *dispatch.Coordinator
}

// New builds an Engine on top of db.
func New(db Querier, cfg *config.Config, logger *slog.Logger) *Engine {
	httpClient := &http.Client{Timeout: cfg.PushHTTPTimeout}

	exchange := credentials.NewExchange(httpClient, logger)
	pushStore := notifications.NewPGStore(db)
	sender := notifications.NewFCMSender(cfg.FCMEndpoint, httpClient)
	push := notifications.NewService(pushStore, exchange, sender, logger, cfg.PushSendConcurrency)

	coordinator := dispatch.NewCoordinator(
		dispatch.NewPGStore(db),
		dispatch.PushNotifier{Service: push},
		logger,
		dispatch.Options{
			RecipientConcurrency: cfg.RecipientConcurrency,
			DeepLinkBase:         cfg.DeepLinkBase,
		},
	)

	return &Engine{
		Credentials: exchange,
		PushStore:   pushStore,
		Push:        push,
		Coordinator: coordinator,
	}
}
