// Package notifications delivers push messages to a recipient's registered
// devices through the FCM HTTP v1 API and prunes registrations that the
// API reports as permanently invalid.
//
// Pipeline per recipient: load active registrations → open a delivery
// session (messaging config + access token) → send to every registration
// concurrently → classify each response → deactivate permanent failures in
// one batch.
package notifications

import (
	"context"
	"errors"

	"github.com/albapepper/gig-dispatch/internal/credentials"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultSendConcurrency = 8
	maxResponseBody        = 16 << 10
)

// ErrMessagingDisabled marks a deployment with no messaging config or with
// push delivery switched off. It is never surfaced to dispatch callers.
var ErrMessagingDisabled = errors.New("push messaging disabled or unconfigured")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Message is the notification shown on the device plus its data payload.
// FCM requires every data value to be a string.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Registration is one device's push token for a recipient.
type Registration struct {
	ID          string
	RecipientID string
	Token       string
}

// MessagingConfig is the deployment-wide push configuration. The
// service-account bundle is the JSON key file downloaded from the console.
type MessagingConfig struct {
	Enabled            bool
	ServiceAccountJSON []byte
}

// Delivery is the aggregated outcome of sending to one recipient.
type Delivery struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pruned  int `json:"pruned"`
	// Unavailable is set when no access token could be obtained, so the
	// zero counts mean "infrastructure broken" rather than "nothing to send".
	Unavailable bool `json:"unavailable,omitempty"`
}

// Add accumulates o into d.
func (d *Delivery) Add(o Delivery) {
	d.Success += o.Success
	d.Failed += o.Failed
	d.Pruned += o.Pruned
	d.Unavailable = d.Unavailable || o.Unavailable
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Store is the durable state the service reads and the pruner writes.
type Store interface {
	// ActiveRegistrations returns registrations with active = true.
	ActiveRegistrations(ctx context.Context, recipientID string) ([]Registration, error)
	// MessagingConfig returns nil, nil when no config row exists.
	MessagingConfig(ctx context.Context) (*MessagingConfig, error)
	Pruner
}

// Pruner deactivates registrations in a single batched update.
// Deactivating an already inactive registration is a no-op.
type Pruner interface {
	Deactivate(ctx context.Context, registrationIDs []string) error
}

// TokenSource yields bearer tokens for the messaging API.
type TokenSource interface {
	AccessToken(ctx context.Context, acct credentials.ServiceAccount) (string, error)
}

// Sender performs one HTTP send. Network failures are reported in
// Response.Err rather than as a Go error so classification stays in one place.
type Sender interface {
	Send(ctx context.Context, projectID, bearer, deviceToken string, msg Message) Response
}
