// Package dispatch turns an urgent service request into alerts and push
// notifications for every nearby worker who is entitled, skilled and online.
//
// Flow: validate → persist request → load candidates → evaluate each
// candidate (trace kept for every one) → batch-insert alerts → fan out push
// delivery. Only the request insert can fail the call; everything after it
// degrades into warnings, counts and the trace.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albapepper/gig-dispatch/internal/eligibility"
	"github.com/albapepper/gig-dispatch/internal/geo"
	"github.com/albapepper/gig-dispatch/internal/notifications"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Status of a dispatch request. This package only ever writes pending;
// accepted/completed/cancelled belong to the job workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AlertTypeEmergency tags alerts so realtime listeners can tell them from
// routine notifications.
const AlertTypeEmergency = "emergency"

const (
	defaultRecipientConcurrency = 16
	defaultBroadcastTimeout     = 60 * time.Second
	defaultDeepLinkBase         = "/dashboard/emergency"
)

// ErrRequestNotFound is returned by Store.GetRequest for unknown ids.
var ErrRequestNotFound = errors.New("dispatch request not found")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Request is the persisted point-in-time snapshot of what was needed where.
type Request struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	CategoryID  string    `json:"category_id"`
	SkillID     string    `json:"skill_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Address     string    `json:"address,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Point returns the request location.
func (r *Request) Point() geo.Point {
	return geo.Point{Lat: r.Lat, Lng: r.Lng}
}

// Input is an incoming dispatch command. Lat/Lng are pointers so that a
// genuine 0 can be told apart from a missing value.
type Input struct {
	RequesterID string   `json:"-"`
	CategoryID  string   `json:"category_id"`
	SkillID     string   `json:"skill_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Address     string   `json:"address,omitempty"`
}

// Validate checks required fields and coordinate bounds.
func (in Input) Validate() error {
	if strings.TrimSpace(in.CategoryID) == "" {
		return &ValidationError{Field: "category_id", Reason: "is required"}
	}
	if in.Lat == nil {
		return &ValidationError{Field: "lat", Reason: "is required"}
	}
	if in.Lng == nil {
		return &ValidationError{Field: "lng", Reason: "is required"}
	}
	if !(geo.Point{Lat: *in.Lat, Lng: *in.Lng}).Valid() {
		return &ValidationError{Field: "lat/lng", Reason: "out of range"}
	}
	return nil
}

// Alert is one append-only notification row per (request, recipient).
// A pair is never written twice.
type Alert struct {
	RequestID   string
	RecipientID string
	Type        string
	Title       string
	Message     string
	Payload     map[string]any
}

// TraceEntry records why a candidate was or wasn't notified.
type TraceEntry struct {
	CandidateID string                 `json:"candidateId"`
	Predicates  eligibility.Predicates `json:"predicates"`
	DistanceKm  *float64               `json:"distanceKm"`
	RadiusKm    float64                `json:"radiusKm"`
	Eligible    bool                   `json:"eligible"`
}

// Result is returned for every dispatch that got past request creation.
type Result struct {
	Request       *Request               `json:"data"`
	EligibleCount int                    `json:"broadcastCount"`
	Trace         []TraceEntry           `json:"debugLog"`
	Warning       string                 `json:"warning,omitempty"`
	Delivery      notifications.Delivery `json:"delivery"`
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Store is the durable state the coordinator reads and writes.
type Store interface {
	// CreateRequest inserts r and fills in ID and CreatedAt.
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// Candidates returns online workers with a known location.
	Candidates(ctx context.Context) ([]eligibility.Candidate, error)
	// InsertAlerts writes all alerts in one statement. Pairs that already
	// exist are skipped.
	InsertAlerts(ctx context.Context, alerts []Alert) error
	// AlertedRecipients returns the recipients already holding an alert
	// for requestID.
	AlertedRecipients(ctx context.Context, requestID string) (map[string]bool, error)
}

// Pusher delivers one message to one recipient.
type Pusher interface {
	SendToRecipient(ctx context.Context, recipientID string, msg notifications.Message) (notifications.Delivery, error)
}

// Notifier opens a Pusher scoped to a single dispatch.
type Notifier interface {
	NewBatch(ctx context.Context) Pusher
}

// PushNotifier adapts *notifications.Service to Notifier.
type PushNotifier struct {
	Service *notifications.Service
}

// NewBatch implements Notifier.
func (p PushNotifier) NewBatch(ctx context.Context) Pusher {
	return p.Service.NewBatch(ctx)
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ValidationError is a user-correctable problem with the input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid dispatch: %s %s", e.Field, e.Reason)
}

// PersistenceError is a durable-store failure that aborted the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
