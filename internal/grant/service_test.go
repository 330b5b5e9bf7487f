package grant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrec.org/internal/notify"
)

func testFixture(t *testing.T, now *time.Time) (*Service, *notify.Recorder) {
	t.Helper()
	recorder := notify.NewRecorder("in_app")
	svc := NewService(NewInMemory(), notify.NewRouter(recorder),
		WithClock(func() time.Time { return *now }))
	return svc, recorder
}

func validRequest(mode Mode) Request {
	return Request{
		ProfessionalID:  "prof-1",
		PatientID:       "pat-1",
		Mode:            mode,
		DurationMinutes: 60,
		Reason:          "Cardiac arrest, patient unresponsive",
	}
}

func TestCreateEmergencyActivatesAndAlerts(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)

	g, err := svc.Create(context.Background(), validRequest(ModeEmergency))
	require.NoError(t, err)
	assert.Equal(t, StateActive, g.State)
	assert.False(t, g.RequiresApproval)

	alerts := recorder.ByType(notify.EventSecurityAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "pat-1", alerts[0].RecipientID)
	assert.Equal(t, notify.PriorityCritical, alerts[0].Priority)
	assert.Empty(t, recorder.ByType(notify.EventValidationRequested))
}

func TestCreatePatientAuthorizedPendsAndRequestsValidation(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)

	g, err := svc.Create(context.Background(), validRequest(ModePatientAuthorized))
	require.NoError(t, err)
	assert.Equal(t, StatePendingValidation, g.State)
	assert.True(t, g.RequiresApproval)

	requests := recorder.ByType(notify.EventValidationRequested)
	require.Len(t, requests, 1)
	assert.Equal(t, "pat-1", requests[0].RecipientID)
	assert.Empty(t, recorder.ByType(notify.EventSecurityAlert))
}

func TestCreateCovertActivatesWithDistinctAlert(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)

	g, err := svc.Create(context.Background(), validRequest(ModeCovert))
	require.NoError(t, err)
	assert.Equal(t, StateActive, g.State)

	covert := recorder.ByType(notify.EventCovertAccessAlert)
	require.Len(t, covert, 1)
	assert.Empty(t, recorder.ByType(notify.EventSecurityAlert))

	// The covert alert must differ in content from the emergency alert.
	recorder.Reset()
	other := validRequest(ModeEmergency)
	other.PatientID = "pat-2"
	_, err = svc.Create(context.Background(), other)
	require.NoError(t, err)
	emergency := recorder.ByType(notify.EventSecurityAlert)
	require.Len(t, emergency, 1)
	assert.NotEqual(t, covert[0].Title, emergency[0].Title)
	assert.NotEqual(t, covert[0].Body, emergency[0].Body)
}

func TestCreateValidationBounds(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)
	ctx := context.Background()

	invalid := []func(*Request){
		func(r *Request) { r.Mode = Mode("backdoor") },
		func(r *Request) { r.DurationMinutes = 0 },
		func(r *Request) { r.DurationMinutes = 1441 },
		func(r *Request) { r.Reason = strings.Repeat("x", 9) },
		func(r *Request) { r.Reason = strings.Repeat("x", 501) },
		func(r *Request) { r.ProfessionalID = "" },
		func(r *Request) { r.PatientID = "  " },
	}
	for i, mutate := range invalid {
		req := validRequest(ModeEmergency)
		mutate(&req)
		_, err := svc.Create(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "case %d", i)
	}
	assert.Empty(t, recorder.Events(), "failed validation must create nothing and emit nothing")

	// Boundary values succeed.
	valid := []func(*Request){
		func(r *Request) { r.DurationMinutes = 1 },
		func(r *Request) { r.DurationMinutes = 1440 },
		func(r *Request) { r.Reason = strings.Repeat("x", 10) },
		func(r *Request) { r.Reason = strings.Repeat("x", 500) },
	}
	for i, mutate := range valid {
		req := validRequest(ModeEmergency)
		req.ProfessionalID = "prof-boundary"
		req.PatientID = "pat-boundary"
		mutate(&req)
		g, err := svc.Create(ctx, req)
		require.NoError(t, err, "case %d", i)
		_, err = svc.Terminate(ctx, g.ID, "prof-boundary", "boundary case cleanup")
		require.NoError(t, err)
	}
}

func TestCreateConflictOnInUsePair(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := testFixture(t, &now)
	ctx := context.Background()

	first, err := svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err)

	_, err = svc.Create(ctx, validRequest(ModeEmergency))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = svc.Create(ctx, validRequest(ModePatientAuthorized))
	assert.ErrorIs(t, err, ErrConflict, "pending/active both block")

	// A different pair does not conflict.
	other := validRequest(ModeEmergency)
	other.PatientID = "pat-2"
	_, err = svc.Create(ctx, other)
	require.NoError(t, err)

	// Terminating frees the pair.
	_, err = svc.Terminate(ctx, first.ID, "prof-1", "patient transferred to another unit")
	require.NoError(t, err)
	_, err = svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err)
}

func TestApproveTransitionsPendingToActive(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)
	ctx := context.Background()

	g, err := svc.Create(ctx, validRequest(ModePatientAuthorized))
	require.NoError(t, err)

	// Only the target patient may approve.
	_, err = svc.Approve(ctx, g.ID, "pat-other")
	assert.ErrorIs(t, err, ErrNotOwner)

	approved, err := svc.Approve(ctx, g.ID, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, approved.State)
	require.Len(t, recorder.ByType(notify.EventGrantApproved), 1)

	// Approving twice is an invalid transition.
	_, err = svc.Approve(ctx, g.ID, "pat-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTerminateRules(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, recorder := testFixture(t, &now)
	ctx := context.Background()

	g, err := svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err)

	_, err = svc.Terminate(ctx, g.ID, "prof-2", "not my grant")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.Terminate(ctx, g.ID, "prof-1", "")
	assert.ErrorIs(t, err, ErrValidation)

	ended, err := svc.Terminate(ctx, g.ID, "prof-1", "consult finished")
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, ended.State)
	assert.Equal(t, "consult finished", ended.TerminationReason)
	require.NotNil(t, ended.TerminatedAt)
	require.Len(t, recorder.ByType(notify.EventGrantTerminated), 1)

	// Terminated grants are immutable.
	_, err = svc.Terminate(ctx, g.ID, "prof-1", "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAbandonPendingGrant(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := testFixture(t, &now)
	ctx := context.Background()

	g, err := svc.Create(ctx, validRequest(ModePatientAuthorized))
	require.NoError(t, err)

	abandoned, err := svc.Abandon(ctx, g.ID, "prof-1")
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, abandoned.State)

	// An active grant cannot be abandoned, only terminated.
	active, err := svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err)
	_, err = svc.Abandon(ctx, active.ID, "prof-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLazyExpiryOnRead(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := testFixture(t, &now)
	ctx := context.Background()

	g, err := svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	got, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	now = now.Add(2 * time.Minute)
	got, err = svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)

	// Expired grants cannot be terminated.
	_, err = svc.Terminate(ctx, g.ID, "prof-1", "too late")
	assert.ErrorIs(t, err, ErrInvalidState)

	// History shows the expired state too.
	history, err := svc.HistoryForProfessional(ctx, "prof-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateExpired, history[0].State)
}

func TestExpiryFreesThePair(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := testFixture(t, &now)
	ctx := context.Background()

	req := validRequest(ModeEmergency)
	req.DurationMinutes = 1
	_, err := svc.Create(ctx, req)
	require.NoError(t, err)

	// No sweep: the deadline alone frees the pair. An emergency request
	// must not wait on the background sweeper.
	now = now.Add(2 * time.Minute)
	second, err := svc.Create(ctx, validRequest(ModeEmergency))
	require.NoError(t, err, "expired grant must not block a new one")
	assert.Equal(t, StateActive, second.State)

	history, err := svc.HistoryForProfessional(ctx, second.ProfessionalID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, g := range history {
		if g.ID != second.ID {
			assert.Equal(t, StateExpired, g.State)
		}
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := testFixture(t, &now)
	ctx := context.Background()

	short := validRequest(ModeEmergency)
	short.DurationMinutes = 1
	_, err := svc.Create(ctx, short)
	require.NoError(t, err)

	long := validRequest(ModeCovert)
	long.PatientID = "pat-2"
	long.DurationMinutes = 120
	_, err = svc.Create(ctx, long)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-sweeping finds nothing new.
	n, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetUnknownGrant(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testFixture(t, &now)
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
