package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the stores use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore reads device registrations and messaging config from Postgres
// using the statements prepared in package db.
type PGStore struct {
	db Querier
}

// NewPGStore creates a store over db (normally a *pgxpool.Pool).
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

// ActiveRegistrations returns a recipient's active device registrations.
func (s *PGStore) ActiveRegistrations(ctx context.Context, recipientID string) ([]Registration, error) {
	rid, err := uuid.Parse(recipientID)
	if err != nil {
		return nil, fmt.Errorf("recipient id %q: %w", recipientID, err)
	}

	rows, err := s.db.Query(ctx, "push_active_registrations", rid)
	if err != nil {
		return nil, fmt.Errorf("get active registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var id, user uuid.UUID
		var token string
		if err := rows.Scan(&id, &user, &token); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, Registration{ID: id.String(), RecipientID: user.String(), Token: token})
	}
	return regs, rows.Err()
}

// MessagingConfig loads the single deployment-wide messaging row.
func (s *PGStore) MessagingConfig(ctx context.Context) (*MessagingConfig, error) {
	var cfg MessagingConfig
	err := s.db.QueryRow(ctx, "push_messaging_config").Scan(&cfg.Enabled, &cfg.ServiceAccountJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get messaging config: %w", err)
	}
	return &cfg, nil
}

// Deactivate marks every given registration inactive in one statement.
func (s *PGStore) Deactivate(ctx context.Context, registrationIDs []string) error {
	if len(registrationIDs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(registrationIDs))
	for _, raw := range registrationIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("registration id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}

	if _, err := s.db.Exec(ctx, "push_deactivate_registrations", ids); err != nil {
		return fmt.Errorf("deactivate registrations: %w", err)
	}
	return nil
}
