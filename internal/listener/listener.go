// Package listener provides a Postgres LISTEN/NOTIFY consumer that lets
// operators re-trigger notification for a pending emergency request. It
// holds a dedicated pgx connection (not from the pool) listening on the
// `emergency_renotify` channel.
//
// Payload is either the bare request ID or {"request_id": "..."}:
//
//	SELECT pg_notify('emergency_renotify', '8d0c…');
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/gig-dispatch/internal/dispatch"
	"github.com/albapepper/gig-dispatch/internal/metrics"
)

const (
	Channel          = "emergency_renotify"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Renotifier re-runs matching and delivery for a stored request.
type Renotifier interface {
	Renotify(ctx context.Context, requestID string) (*dispatch.Result, error)
}

// RenotifyEvent is the decoded pg_notify payload.
type RenotifyEvent struct {
	RequestID string `json:"request_id"`
}

// ParsePayload accepts a bare ID or a JSON object.
func ParsePayload(payload string) (RenotifyEvent, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return RenotifyEvent{}, errors.New("empty payload")
	}
	if !strings.HasPrefix(payload, "{") {
		return RenotifyEvent{RequestID: payload}, nil
	}

	var event RenotifyEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return RenotifyEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	if event.RequestID == "" {
		return RenotifyEvent{}, errors.New("payload has no request_id")
	}
	return event, nil
}

// Start opens a dedicated connection and listens on the renotify channel.
// It reconnects automatically on connection loss. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, r Renotifier, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, r, logger)
		if ctx.Err() != nil {
			logger.Info("Renotify listener stopped (context cancelled)")
			return
		}

		logger.Error("Renotify listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, r Renotifier, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	logger.Info("Renotify listener connected", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		// Process asynchronously to avoid blocking the listener
		go Handle(ctx, r, notification.Payload, logger)
	}
}

// Handle processes one notification payload.
func Handle(ctx context.Context, r Renotifier, payload string, logger *slog.Logger) {
	event, err := ParsePayload(payload)
	if err != nil {
		metrics.Renotifications.WithLabelValues("error").Inc()
		logger.Warn("Failed to parse renotify event", "payload", payload, "error", err)
		return
	}

	result, err := r.Renotify(ctx, event.RequestID)
	if err != nil {
		metrics.Renotifications.WithLabelValues("error").Inc()
		logger.Warn("Renotify failed", "request_id", event.RequestID, "error", err)
		return
	}

	metrics.Renotifications.WithLabelValues("ok").Inc()
	logger.Info("Renotify dispatched",
		"request_id", event.RequestID,
		"eligible", result.EligibleCount,
		"success", result.Delivery.Success,
		"failed", result.Delivery.Failed,
		"pruned", result.Delivery.Pruned)
}
