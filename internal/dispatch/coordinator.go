package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/gig-dispatch/internal/eligibility"
	"github.com/albapepper/gig-dispatch/internal/metrics"
	"github.com/albapepper/gig-dispatch/internal/notifications"
)

// WarningCandidatesUnavailable is set on a Result when the request was
// stored but the candidate pool could not be read.
const WarningCandidatesUnavailable = "request created, but nearby workers could not be loaded; nobody was notified"

// Options tunes a Coordinator. Zero values pick defaults.
type Options struct {
	RecipientConcurrency int
	BroadcastTimeout     time.Duration
	DeepLinkBase         string
}

// Coordinator runs dispatches end to end.
type Coordinator struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	opts     Options
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store Store, notifier Notifier, logger *slog.Logger, opts Options) *Coordinator {
	if opts.RecipientConcurrency <= 0 {
		opts.RecipientConcurrency = defaultRecipientConcurrency
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = defaultBroadcastTimeout
	}
	if opts.DeepLinkBase == "" {
		opts.DeepLinkBase = defaultDeepLinkBase
	}
	opts.DeepLinkBase = strings.TrimRight(opts.DeepLinkBase, "/")

	return &Coordinator{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "dispatch"),
		opts:     opts,
	}
}

// Dispatch creates a pending request and notifies every eligible candidate.
// It fails only on invalid input (*ValidationError) or when the request
// itself cannot be stored (*PersistenceError).
func (c *Coordinator) Dispatch(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	if err := in.Validate(); err != nil {
		metrics.Dispatches.WithLabelValues("invalid").Inc()
		return nil, err
	}

	req := &Request{
		RequesterID: in.RequesterID,
		CategoryID:  strings.TrimSpace(in.CategoryID),
		SkillID:     strings.TrimSpace(in.SkillID),
		Description: in.Description,
		Lat:         *in.Lat,
		Lng:         *in.Lng,
		Address:     in.Address,
		Status:      StatusPending,
	}
	if err := c.store.CreateRequest(ctx, req); err != nil {
		metrics.Dispatches.WithLabelValues("persist_error").Inc()
		c.logger.Error("failed to create dispatch request",
			"requester_id", in.RequesterID, "category_id", req.CategoryID, "error", err)
		return nil, &PersistenceError{Op: "create dispatch request", Err: err}
	}

	c.logger.Info("dispatch request created",
		"request_id", req.ID,
		"category_id", req.CategoryID,
		"skill_id", req.SkillID,
		"lat", req.Lat, "lng", req.Lng)

	return c.broadcast(ctx, req, nil), nil
}

// Renotify re-runs matching and delivery for an existing pending request.
// Used by operators when the first alert insert or push round failed.
func (c *Coordinator) Renotify(ctx context.Context, requestID string) (*Result, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load dispatch request", Err: err}
	}
	if req.Status != StatusPending {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("is %q, only pending requests can be re-notified", req.Status)}
	}

	// Everyone eligible is pushed again, but only recipients without an
	// alert for this request get a new row.
	alerted, err := c.store.AlertedRecipients(ctx, req.ID)
	if err != nil {
		c.logger.Warn("failed to load already-alerted recipients; relying on insert conflict handling",
			"request_id", req.ID, "error", err)
		alerted = nil
	}

	c.logger.Info("re-notifying dispatch request", "request_id", req.ID, "already_alerted", len(alerted))
	return c.broadcast(ctx, req, alerted), nil
}

type match struct {
	candidateID string
	distanceKm  float64
}

// broadcast runs everything after the request row exists. It never fails;
// problems end up in the warning, the counts and the log. Recipients in
// alerted are pushed but get no new alert row.
func (c *Coordinator) broadcast(ctx context.Context, req *Request, alerted map[string]bool) *Result {
	// The request is committed; finish notifying even if the caller hangs up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.BroadcastTimeout)
	defer cancel()

	log := c.logger.With("request_id", req.ID)
	res := &Result{Request: req, Trace: []TraceEntry{}}

	candidates, err := c.store.Candidates(ctx)
	if err != nil {
		metrics.Dispatches.WithLabelValues("candidates_error").Inc()
		metrics.EligibleCandidates.Observe(0)
		log.Error("failed to load candidates", "error", err)
		res.Warning = WarningCandidatesUnavailable
		return res
	}

	q := eligibility.Query{Point: req.Point(), SkillID: req.SkillID}
	res.Trace = make([]TraceEntry, 0, len(candidates))
	var matches []match
	for _, cand := range candidates {
		r := eligibility.Evaluate(q, cand)
		res.Trace = append(res.Trace, TraceEntry{
			CandidateID: cand.ID,
			Predicates:  r.Predicates,
			DistanceKm:  r.DistanceKm,
			RadiusKm:    r.RadiusKm,
			Eligible:    r.Eligible,
		})
		if r.Eligible {
			matches = append(matches, match{candidateID: cand.ID, distanceKm: *r.DistanceKm})
		} else {
			log.Debug("candidate excluded",
				"candidate_id", cand.ID,
				"entitlement", r.Entitlement,
				"skill_match", r.SkillMatch,
				"online", r.Presence,
				"in_range", r.Proximity)
		}
	}
	res.EligibleCount = len(matches)
	metrics.Dispatches.WithLabelValues("ok").Inc()
	metrics.EligibleCandidates.Observe(float64(len(matches)))
	log.Info("candidates evaluated", "candidates", len(candidates), "eligible", len(matches))

	if len(matches) == 0 {
		return res
	}

	alerts := make([]Alert, 0, len(matches))
	fresh := make([]Alert, 0, len(matches))
	for _, m := range matches {
		a := c.buildAlert(req, m)
		alerts = append(alerts, a)
		if !alerted[a.RecipientID] {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) > 0 {
		if err := c.store.InsertAlerts(ctx, fresh); err != nil {
			log.Error("failed to insert alerts; pushes still go out", "count", len(fresh), "error", err)
		}
	}

	res.Delivery = c.push(ctx, req, alerts, log)
	return res
}

// push fans out delivery to every alerted recipient with bounded parallelism.
func (c *Coordinator) push(ctx context.Context, req *Request, alerts []Alert, log *slog.Logger) notifications.Delivery {
	batch := c.notifier.NewBatch(ctx)

	var (
		mu    sync.Mutex
		total notifications.Delivery
		g     errgroup.Group
	)
	g.SetLimit(c.opts.RecipientConcurrency)
	for _, a := range alerts {
		a := a
		g.Go(func() error {
			d, err := batch.SendToRecipient(ctx, a.RecipientID, pushMessage(a))
			if err != nil {
				log.Warn("push delivery failed for recipient", "recipient_id", a.RecipientID, "error", err)
				return nil
			}
			mu.Lock()
			total.Add(d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info("push fan-out finished",
		"recipients", len(alerts),
		"success", total.Success,
		"failed", total.Failed,
		"pruned", total.Pruned,
		"unavailable", total.Unavailable)
	return total
}

func (c *Coordinator) buildAlert(req *Request, m match) Alert {
	where := req.Address
	if where == "" {
		where = "your area"
	}
	return Alert{
		RequestID:   req.ID,
		RecipientID: m.candidateID,
		Type:        AlertTypeEmergency,
		Title:       "Emergency request nearby",
		Message:     fmt.Sprintf("Urgent %s request %.1f km away in %s", req.CategoryID, m.distanceKm, where),
		Payload: map[string]any{
			"request_id":  req.ID,
			"link":        c.opts.DeepLinkBase + "/" + req.ID,
			"category_id": req.CategoryID,
			"distance_km": roundKm(m.distanceKm),
		},
	}
}

// pushMessage flattens an alert into an FCM message; data values must be strings.
func pushMessage(a Alert) notifications.Message {
	data := make(map[string]string, len(a.Payload)+1)
	data["type"] = a.Type
	for k, v := range a.Payload {
		switch val := v.(type) {
		case string:
			data[k] = val
		case float64:
			data[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			data[k] = fmt.Sprint(val)
		}
	}
	return notifications.Message{Title: a.Title, Body: a.Message, Data: data}
}

func roundKm(km float64) float64 {
	return float64(int(km*100+0.5)) / 100
}
