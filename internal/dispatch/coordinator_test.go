package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/gig-dispatch/internal/eligibility"
	"github.com/albapepper/gig-dispatch/internal/geo"
	"github.com/albapepper/gig-dispatch/internal/logger"
	"github.com/albapepper/gig-dispatch/internal/notifications"
)

// ==========================
// Fakes
// ==========================

type fakeStore struct {
	mu            sync.Mutex
	requests      map[string]*Request
	candidates    []eligibility.Candidate
	createErr     error
	candidatesErr error
	alertsErr     error
	alertedErr    error

	creates     int
	alertWrites [][]Alert
	alertRows   map[string]int // "request/recipient" -> rows persisted
}

func (f *fakeStore) CreateRequest(ctx context.Context, r *Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	r.ID = "req-1"
	r.CreatedAt = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	if f.requests == nil {
		f.requests = map[string]*Request{}
	}
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) Candidates(ctx context.Context) ([]eligibility.Candidate, error) {
	return f.candidates, f.candidatesErr
}

func (f *fakeStore) InsertAlerts(ctx context.Context, alerts []Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertWrites = append(f.alertWrites, alerts)
	if f.alertsErr != nil {
		return f.alertsErr
	}
	if f.alertRows == nil {
		f.alertRows = map[string]int{}
	}
	for _, a := range alerts {
		f.alertRows[a.RequestID+"/"+a.RecipientID]++
	}
	return nil
}

func (f *fakeStore) AlertedRecipients(ctx context.Context, requestID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alertedErr != nil {
		return nil, f.alertedErr
	}
	out := map[string]bool{}
	for _, batch := range f.alertWrites {
		for _, a := range batch {
			if a.RequestID == requestID && f.alertRows[requestID+"/"+a.RecipientID] > 0 {
				out[a.RecipientID] = true
			}
		}
	}
	return out, nil
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + len(f.alertWrites)
}

type fakePusher struct {
	mu         sync.Mutex
	batches    int
	recipients []string
	messages   []notifications.Message
	errFor     map[string]error
	delivery   notifications.Delivery
}

func (f *fakePusher) NewBatch(ctx context.Context) Pusher {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	return f
}

func (f *fakePusher) SendToRecipient(ctx context.Context, recipientID string, msg notifications.Message) (notifications.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, recipientID)
	f.messages = append(f.messages, msg)
	if err := f.errFor[recipientID]; err != nil {
		return notifications.Delivery{}, err
	}
	return f.delivery, nil
}

// ==========================
// Helpers
// ==========================

func ptr[T any](v T) *T { return &v }

func lisbonInput() Input {
	return Input{
		RequesterID: "client-1",
		CategoryID:  "plumbing",
		SkillID:     "plumbing-leak",
		Description: "Burst pipe in kitchen",
		Lat:         ptr(38.7223),
		Lng:         ptr(-9.1393),
		Address:     "Rua Augusta 1, Lisboa",
	}
}

func candidate(id string, mutate ...func(*eligibility.Candidate)) eligibility.Candidate {
	c := eligibility.Candidate{
		ID:       id,
		Online:   true,
		Location: &geo.Point{Lat: 38.7300, Lng: -9.1400},
		RadiusKm: ptr(20.0),
		Skills:   []string{"plumbing-leak"},
		Entitled: true,
	}
	for _, m := range mutate {
		m(&c)
	}
	return c
}

func newTestCoordinator(store Store, pusher Notifier) *Coordinator {
	return NewCoordinator(store, pusher, logger.Discard(), Options{RecipientConcurrency: 2})
}

// ==========================
// Tests
// ==========================

func TestDispatch_NotifiesEligibleCandidates(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{
		candidate("w-ok"),
		candidate("w-unpaid", func(c *eligibility.Candidate) { c.Entitled = false }),
		candidate("w-electrician", func(c *eligibility.Candidate) { c.Skills = []string{"electrical"} }),
		candidate("w-porto", func(c *eligibility.Candidate) { c.Location = &geo.Point{Lat: 41.1579, Lng: -8.6291} }),
		candidate("w-ok-2", func(c *eligibility.Candidate) { c.RadiusKm = nil }),
	}}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 2}}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())
	require.NoError(t, err)

	assert.Equal(t, "req-1", res.Request.ID)
	assert.Equal(t, StatusPending, res.Request.Status)
	assert.Equal(t, 2, res.EligibleCount)
	assert.Empty(t, res.Warning)
	assert.Equal(t, notifications.Delivery{Success: 4}, res.Delivery)

	require.Len(t, res.Trace, 5)
	byID := map[string]TraceEntry{}
	for _, e := range res.Trace {
		byID[e.CandidateID] = e
	}
	assert.True(t, byID["w-ok"].Eligible)
	assert.Less(t, *byID["w-ok"].DistanceKm, 1.0)
	assert.False(t, byID["w-unpaid"].Predicates.Entitlement)
	assert.False(t, byID["w-electrician"].Predicates.SkillMatch)
	assert.False(t, byID["w-porto"].Predicates.Proximity)
	assert.Equal(t, eligibility.DefaultRadiusKm, byID["w-ok-2"].RadiusKm)

	require.Len(t, store.alertWrites, 1)
	alerts := store.alertWrites[0]
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, "req-1", a.RequestID)
		assert.Equal(t, AlertTypeEmergency, a.Type)
		assert.Equal(t, "req-1", a.Payload["request_id"])
		assert.Equal(t, "/dashboard/emergency/req-1", a.Payload["link"])
	}

	assert.Equal(t, 1, pusher.batches)
	assert.ElementsMatch(t, []string{"w-ok", "w-ok-2"}, pusher.recipients)
	assert.Equal(t, "req-1", pusher.messages[0].Data["request_id"])
	assert.Equal(t, AlertTypeEmergency, pusher.messages[0].Data["type"])
}

func TestDispatch_ValidationFailsWithoutWrites(t *testing.T) {
	tests := []struct {
		name  string
		input func() Input
		field string
	}{
		{"missing lat", func() Input { in := lisbonInput(); in.Lat = nil; return in }, "lat"},
		{"missing lng", func() Input { in := lisbonInput(); in.Lng = nil; return in }, "lng"},
		{"missing category", func() Input { in := lisbonInput(); in.CategoryID = "  "; return in }, "category_id"},
		{"out of range", func() Input { in := lisbonInput(); in.Lat = ptr(123.0); return in }, "lat/lng"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-ok")}}
			pusher := &fakePusher{}
			coord := newTestCoordinator(store, pusher)

			res, err := coord.Dispatch(context.Background(), tt.input())

			assert.Nil(t, res)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, store.writes())
			assert.Empty(t, pusher.recipients)
		})
	}
}

func TestDispatch_ZeroCoordinatesAreValid(t *testing.T) {
	in := lisbonInput()
	in.Lat, in.Lng = ptr(0.0), ptr(0.0)
	coord := newTestCoordinator(&fakeStore{}, &fakePusher{})

	res, err := coord.Dispatch(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, 0, res.EligibleCount)
}

func TestDispatch_CreateFailureIsFatal(t *testing.T) {
	store := &fakeStore{createErr: errors.New("connection refused"), candidates: []eligibility.Candidate{candidate("w-ok")}}
	pusher := &fakePusher{}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())

	assert.Nil(t, res)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Empty(t, store.alertWrites)
	assert.Empty(t, pusher.recipients)
}

func TestDispatch_CandidateFailureReturnsWarning(t *testing.T) {
	store := &fakeStore{candidatesErr: errors.New("statement timeout")}
	pusher := &fakePusher{}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())

	require.NoError(t, err)
	assert.Equal(t, "req-1", res.Request.ID)
	assert.Equal(t, 0, res.EligibleCount)
	assert.Equal(t, WarningCandidatesUnavailable, res.Warning)
	assert.Empty(t, store.alertWrites)
	assert.Empty(t, pusher.recipients)
}

func TestDispatch_AlertFailureStillPushes(t *testing.T) {
	store := &fakeStore{
		candidates: []eligibility.Candidate{candidate("w-ok")},
		alertsErr:  errors.New("insert failed"),
	}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 1}}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())

	require.NoError(t, err)
	assert.Equal(t, 1, res.EligibleCount)
	assert.Equal(t, []string{"w-ok"}, pusher.recipients)
	assert.Equal(t, 1, res.Delivery.Success)
}

func TestDispatch_RecipientFailuresAreIndependent(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-1"), candidate("w-2"), candidate("w-3")}}
	pusher := &fakePusher{
		delivery: notifications.Delivery{Success: 1},
		errFor:   map[string]error{"w-2": errors.New("registrations query failed")},
	}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())

	require.NoError(t, err)
	assert.Equal(t, 3, res.EligibleCount)
	assert.Len(t, pusher.recipients, 3)
	assert.Equal(t, 2, res.Delivery.Success)
}

func TestDispatch_NoEligibleCandidatesSkipsAlerts(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{
		candidate("w-offline", func(c *eligibility.Candidate) { c.Online = false }),
	}}
	pusher := &fakePusher{}
	coord := newTestCoordinator(store, pusher)

	res, err := coord.Dispatch(context.Background(), lisbonInput())

	require.NoError(t, err)
	assert.Equal(t, 0, res.EligibleCount)
	assert.Len(t, res.Trace, 1)
	assert.Empty(t, store.alertWrites)
	assert.Zero(t, pusher.batches)
}

func TestDispatch_CallerCancellationDoesNotStopBroadcast(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-ok")}}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 1}}
	coord := newTestCoordinator(store, pusher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := coord.Dispatch(ctx, lisbonInput())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivery.Success)
}

func TestRenotify(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-ok")}}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 1}}
	coord := newTestCoordinator(store, pusher)

	_, err := coord.Dispatch(context.Background(), lisbonInput())
	require.NoError(t, err)

	res, err := coord.Renotify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.EligibleCount)
	assert.Equal(t, 1, store.creates)

	// Pushed again, but the (request, recipient) alert row exists once.
	assert.Equal(t, 2, pusher.batches)
	assert.Equal(t, []string{"w-ok", "w-ok"}, pusher.recipients)
	assert.Equal(t, map[string]int{"req-1/w-ok": 1}, store.alertRows)
	assert.Len(t, store.alertWrites, 1)
}

func TestRenotify_AlertsOnlyNewlyEligibleRecipients(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-ok")}}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 1}}
	coord := newTestCoordinator(store, pusher)

	_, err := coord.Dispatch(context.Background(), lisbonInput())
	require.NoError(t, err)

	store.candidates = append(store.candidates, candidate("w-late"))
	res, err := coord.Renotify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.EligibleCount)

	require.Len(t, store.alertWrites, 2)
	require.Len(t, store.alertWrites[1], 1)
	assert.Equal(t, "w-late", store.alertWrites[1][0].RecipientID)
	assert.Equal(t, map[string]int{"req-1/w-ok": 1, "req-1/w-late": 1}, store.alertRows)
	assert.ElementsMatch(t, []string{"w-ok", "w-ok", "w-late"}, pusher.recipients)
}

func TestRenotify_RetriesFailedAlertInsert(t *testing.T) {
	store := &fakeStore{
		candidates: []eligibility.Candidate{candidate("w-ok")},
		alertsErr:  errors.New("insert failed"),
	}
	coord := newTestCoordinator(store, &fakePusher{})

	_, err := coord.Dispatch(context.Background(), lisbonInput())
	require.NoError(t, err)
	assert.Empty(t, store.alertRows)

	store.alertsErr = nil
	_, err = coord.Renotify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"req-1/w-ok": 1}, store.alertRows)
}

func TestRenotify_AlertedLookupFailureStillPushes(t *testing.T) {
	store := &fakeStore{candidates: []eligibility.Candidate{candidate("w-ok")}}
	pusher := &fakePusher{delivery: notifications.Delivery{Success: 1}}
	coord := newTestCoordinator(store, pusher)

	_, err := coord.Dispatch(context.Background(), lisbonInput())
	require.NoError(t, err)

	store.alertedErr = errors.New("lookup failed")
	res, err := coord.Renotify(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivery.Success)
	assert.Equal(t, 2, pusher.batches)
}

func TestRenotify_Errors(t *testing.T) {
	store := &fakeStore{}
	coord := newTestCoordinator(store, &fakePusher{})

	_, err := coord.Renotify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	store.requests = map[string]*Request{"req-9": {ID: "req-9", Status: StatusAccepted}}
	_, err = coord.Renotify(context.Background(), "req-9")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestPushMessage_StringifiesPayload(t *testing.T) {
	msg := pushMessage(Alert{
		Type:    AlertTypeEmergency,
		Title:   "t",
		Message: "m",
		Payload: map[string]any{"request_id": "req-1", "distance_km": 0.86},
	})
	assert.Equal(t, map[string]string{"type": "emergency", "request_id": "req-1", "distance_km": "0.86"}, msg.Data)
}
