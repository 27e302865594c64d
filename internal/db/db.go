// Package db provides a pgxpool-based connection pool with prepared statement
// registration, embedded goose migrations and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/gig-dispatch/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Statements lists every prepared statement by name. Stores refer to
// statements by these names only; table names come from package config.
var Statements = map[string]string{
	// Health
	"health_check": "SELECT 1",

	// Dispatch: requests
	"dispatch_insert_request": `INSERT INTO ` + config.RequestsTable + `
		(id, requester_id, category_id, skill_id, description, lat, lng, address, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
	"dispatch_request_by_id": `SELECT requester_id, category_id, COALESCE(skill_id, ''), COALESCE(description, ''),
		lat, lng, COALESCE(address, ''), status, created_at
		FROM ` + config.RequestsTable + ` WHERE id = $1`,

	// Dispatch: candidate pool (read model over profiles + plans)
	"dispatch_candidates": `SELECT id, online, lat, lng, radius_km, skills, emergency_enabled
		FROM ` + config.CandidatesView + `
		WHERE online = true AND lat IS NOT NULL AND lng IS NOT NULL`,

	// Dispatch: alerts, one statement for the whole batch. A (request,
	// recipient) pair is written at most once.
	"dispatch_insert_alerts": `INSERT INTO ` + config.AlertsTable + ` (request_id, user_id, type, title, message, data)
		SELECT a.request_id, a.user_id, a.type, a.title, a.message, a.data::jsonb
		FROM unnest($1::uuid[], $2::uuid[], $3::text[], $4::text[], $5::text[], $6::text[])
			AS a(request_id, user_id, type, title, message, data)
		ON CONFLICT (request_id, user_id) DO NOTHING`,
	"dispatch_alerted_recipients": `SELECT user_id FROM ` + config.AlertsTable + ` WHERE request_id = $1`,

	// Push delivery
	"push_active_registrations": `SELECT id, user_id, token FROM ` + config.RegistrationsTable + `
		WHERE user_id = $1 AND active = true`,
	"push_messaging_config": `SELECT enabled, service_account FROM ` + config.MessagingTable + ` WHERE id = 1`,
	"push_deactivate_registrations": `UPDATE ` + config.RegistrationsTable + `
		SET active = false, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND active = true`,

	// Maintenance
	"purge_inactive_registrations": `DELETE FROM ` + config.RegistrationsTable + `
		WHERE active = false AND updated_at < NOW() - make_interval(days => $1)`,
}

// registerPreparedStatements prepares every entry of Statements on conn.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range Statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
