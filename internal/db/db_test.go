package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/gig-dispatch/internal/config"
)

func TestStatements_CoverStoreQueries(t *testing.T) {
	for _, name := range []string{
		"health_check",
		"dispatch_insert_request",
		"dispatch_request_by_id",
		"dispatch_candidates",
		"dispatch_insert_alerts",
		"dispatch_alerted_recipients",
		"push_active_registrations",
		"push_messaging_config",
		"push_deactivate_registrations",
		"purge_inactive_registrations",
	} {
		assert.Contains(t, Statements, name)
	}
}

func TestStatements_DeactivateIsSingleBatchedUpdate(t *testing.T) {
	sql := Statements["push_deactivate_registrations"]
	assert.Contains(t, sql, "ANY($1::uuid[])")
	assert.Contains(t, sql, "AND active = true")
}

func TestStatements_UseConfiguredTableNames(t *testing.T) {
	assert.Contains(t, Statements["dispatch_insert_request"], config.RequestsTable)
	assert.Contains(t, Statements["dispatch_candidates"], config.CandidatesView)
	assert.Contains(t, Statements["dispatch_insert_alerts"], config.AlertsTable)
	assert.Contains(t, Statements["push_active_registrations"], config.RegistrationsTable)
	assert.Contains(t, Statements["push_messaging_config"], config.MessagingTable)
	assert.Contains(t, Statements["purge_inactive_registrations"], config.RegistrationsTable)
}

func TestStatements_AlertInsertIsIdempotentPerPair(t *testing.T) {
	sql := Statements["dispatch_insert_alerts"]
	assert.Contains(t, sql, "request_id")
	assert.Contains(t, sql, "ON CONFLICT (request_id, user_id) DO NOTHING")

	body, err := fs.ReadFile(embedMigrations, "migrations/00002_alert_request_pair.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ON notifications (request_id, user_id)")
	assert.Contains(t, string(body), "UNIQUE INDEX")
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(embedMigrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	body, err := fs.ReadFile(embedMigrations, files[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "-- +goose Up"))
	for _, table := range []string{"emergency_requests", "notifications", "device_registrations", "messaging_config", "dispatch_candidates"} {
		assert.Contains(t, string(body), table)
	}
}
