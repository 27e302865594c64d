package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/albapepper/gig-dispatch/internal/eligibility"
	"github.com/albapepper/gig-dispatch/internal/geo"
)

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore implements Store on Postgres using the statements prepared in
// package db.
type PGStore struct {
	db Querier
}

// NewPGStore creates a store over db (normally a *pgxpool.Pool).
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

// CreateRequest inserts r with a fresh id.
func (s *PGStore) CreateRequest(ctx context.Context, r *Request) error {
	id := uuid.New()
	err := s.db.QueryRow(ctx, "dispatch_insert_request",
		id, r.RequesterID, r.CategoryID, nullIfEmpty(r.SkillID), nullIfEmpty(r.Description),
		r.Lat, r.Lng, nullIfEmpty(r.Address), string(r.Status),
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch request: %w", err)
	}
	r.ID = id.String()
	return nil
}

// GetRequest loads a request by id.
func (s *PGStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	rid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrRequestNotFound
	}

	var r Request
	var status string
	err = s.db.QueryRow(ctx, "dispatch_request_by_id", rid).Scan(
		&r.RequesterID, &r.CategoryID, &r.SkillID, &r.Description,
		&r.Lat, &r.Lng, &r.Address, &status, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch request: %w", err)
	}
	r.ID = rid.String()
	r.Status = Status(status)
	return &r, nil
}

// Candidates returns the online, located candidate pool.
func (s *PGStore) Candidates(ctx context.Context) ([]eligibility.Candidate, error) {
	rows, err := s.db.Query(ctx, "dispatch_candidates")
	if err != nil {
		return nil, fmt.Errorf("get candidates: %w", err)
	}
	defer rows.Close()

	var out []eligibility.Candidate
	for rows.Next() {
		var (
			id       uuid.UUID
			c        eligibility.Candidate
			lat, lng *float64
		)
		if err := rows.Scan(&id, &c.Online, &lat, &lng, &c.RadiusKm, &c.Skills, &c.Entitled); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.ID = id.String()
		if lat != nil && lng != nil {
			c.Location = &geo.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertAlerts writes all alerts with a single unnest-based INSERT.
func (s *PGStore) InsertAlerts(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	requests := make([]uuid.UUID, len(alerts))
	recipients := make([]uuid.UUID, len(alerts))
	types := make([]string, len(alerts))
	titles := make([]string, len(alerts))
	messages := make([]string, len(alerts))
	payloads := make([]string, len(alerts))
	for i, a := range alerts {
		reqID, err := uuid.Parse(a.RequestID)
		if err != nil {
			return fmt.Errorf("alert request %q: %w", a.RequestID, err)
		}
		id, err := uuid.Parse(a.RecipientID)
		if err != nil {
			return fmt.Errorf("alert recipient %q: %w", a.RecipientID, err)
		}
		data, err := json.Marshal(a.Payload)
		if err != nil {
			return fmt.Errorf("marshal alert payload: %w", err)
		}
		requests[i], recipients[i] = reqID, id
		types[i], titles[i], messages[i], payloads[i] = a.Type, a.Title, a.Message, string(data)
	}

	if _, err := s.db.Exec(ctx, "dispatch_insert_alerts", requests, recipients, types, titles, messages, payloads); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

// AlertedRecipients returns the recipients that already hold an alert for
// requestID.
func (s *PGStore) AlertedRecipients(ctx context.Context, requestID string) (map[string]bool, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, fmt.Errorf("request id %q: %w", requestID, err)
	}

	rows, err := s.db.Query(ctx, "dispatch_alerted_recipients", id)
	if err != nil {
		return nil, fmt.Errorf("get alerted recipients: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var uid uuid.UUID
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan alerted recipient: %w", err)
		}
		out[uid.String()] = true
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
