package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domain "github.com/erp/synccore/internal/domain/sync"
)

func newTestPoller(t *testing.T, env *testEnv) *Poller {
	config := PollerConfig{
		PendingRecoveryAge: 10 * time.Minute,
		DefaultBackoff:     5 * time.Minute,
	}
	return NewPoller(env.registry, env.documents, env.orch, config, zaptest.NewLogger(t), nil)
}

// agedDocument persists a document in the given status with a backdated
// creation time
func agedDocument(t *testing.T, env *testEnv, binding *domain.Binding, status domain.DocumentStatus, age time.Duration) *domain.SyncDocument {
	doc, err := domain.NewSyncDocument(binding, domain.OperationRegister, []byte(`{}`))
	require.NoError(t, err)
	doc.Status = status
	doc.CreatedAt = time.Now().Add(-age)
	require.NoError(t, env.documents.Create(context.Background(), doc))
	return doc
}

func TestPoller_CollectDue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	tenantID := uuid.New()
	binding := env.boundCard(t, tenantID, "card-1", "ic_001")

	stale := agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)
	orphan := agedDocument(t, env, binding, domain.DocumentStatusPending, time.Hour)
	// fresh documents are left alone
	agedDocument(t, env, binding, domain.DocumentStatusSent, time.Second)
	agedDocument(t, env, binding, domain.DocumentStatusPending, time.Second)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	collected := map[uuid.UUID]bool{}
	for _, job := range jobs {
		collected[job.DocumentID] = true
		assert.Equal(t, tenantID, job.TenantID)
		assert.Equal(t, domain.IntegrationCodeIssuing, job.Integration)
		assert.Equal(t, "card-1", job.LocalRef)
	}
	assert.True(t, collected[stale.ID])
	assert.True(t, collected[orphan.ID])
}

func TestPoller_CollectDue_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")

	for i := 0; i < 5; i++ {
		agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)
	}

	jobs, err := poller.CollectDue(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestPoller_Execute_SettlesOrphanedPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	tenantID := uuid.New()
	binding := env.boundCard(t, tenantID, "card-1", "ic_001")
	orphan := agedDocument(t, env, binding, domain.DocumentStatusPending, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	env.sender.enqueueJSON(200, `{"id":"ic_001","status":"active"}`)
	require.NoError(t, poller.Execute(ctx, jobs[0]))

	// the orphan is settled, the truth comes from the follow-up query
	settled, err := env.documents.FindByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusSendingFailed, settled.Status)
	assert.Contains(t, settled.FailReason, "recovered by poll")

	after, err := env.bindings.FindByLocalRef(ctx, tenantID, domain.IntegrationCodeIssuing, "card-1")
	require.NoError(t, err)
	require.NotNil(t, after.LastRemoteState)
	assert.Equal(t, domain.RemoteStateAccepted, *after.LastRemoteState)
}

func TestPoller_CollectDue_ResendsFailedSends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	tenantID := uuid.New()
	binding := env.boundCard(t, tenantID, "card-1", "ic_001")
	failed := agedDocument(t, env, binding, domain.DocumentStatusSendingFailed, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, failed.ID, jobs[0].DocumentID)
	assert.Equal(t, 0, jobs[0].Attempt)

	env.sender.enqueueJSON(200, `{"id":"ic_001","status":"active"}`)
	require.NoError(t, poller.Execute(ctx, jobs[0]))

	// the replay ran as a new document with its own lifecycle
	latest, err := env.documents.LatestOf(ctx, binding.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.NotEqual(t, failed.ID, latest.ID)
	assert.Equal(t, domain.DocumentStatusAccepted, latest.Status)

	// the replayed document stays out of later collection rounds
	jobs, err = poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPoller_CollectDue_SkipsValidationFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")

	doc, err := domain.NewSyncDocument(binding, domain.OperationRegister, []byte(`{}`))
	require.NoError(t, err)
	doc.Status = domain.DocumentStatusSendingFailed
	doc.FailReason = "payload-incomplete: missing cardholder"
	doc.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, env.documents.Create(ctx, doc))

	// only a changed snapshot can fix an incomplete payload
	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPoller_CollectDue_HonorsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")
	agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	env.sender.enqueueJSON(200, `{"id":"ic_001","status":"active"}`)
	require.NoError(t, poller.Execute(ctx, jobs[0]))

	// the document sits inside its backoff window until the next step of
	// the curve elapses
	jobs, err = poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPoller_CollectDue_CarriesAttempts(t *testing.T) {
	ctx := context.Background()
	capability := issuingCapability()
	capability.BackoffBase = time.Nanosecond
	env := newTestEnv(t, capability)
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")
	agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Attempt)

	env.sender.enqueueJSON(200, `{"id":"ic_001","status":"active"}`)
	require.NoError(t, poller.Execute(ctx, jobs[0]))

	// a near-zero base expires the window immediately, exposing the
	// attempt counter on the next round
	jobs, err = poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestPoller_CollectDue_HonorsPollInterval(t *testing.T) {
	ctx := context.Background()
	capability := issuingCapability()
	capability.PollInterval = time.Hour
	env := newTestEnv(t, capability)
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")
	agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// the integration's cadence spaces the scans themselves
	jobs, err = poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPoller_Execute_ParksSupersededFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	binding := env.boundCard(t, uuid.New(), "card-1", "ic_001")
	failed := agedDocument(t, env, binding, domain.DocumentStatusSendingFailed, time.Hour)
	agedDocument(t, env, binding, domain.DocumentStatusAccepted, time.Second)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, failed.ID, jobs[0].DocumentID)

	// a newer document governs the entity; the failure is parked without
	// touching the transport
	require.NoError(t, poller.Execute(ctx, jobs[0]))
	assert.Empty(t, env.sender.sent())

	jobs, err = poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBackoffFor(t *testing.T) {
	base := 5 * time.Minute
	limit := 30 * time.Minute

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffFor(base, limit, tc.attempts))
	}
}

func TestPoller_Execute_UnboundEntity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, issuingCapability())
	poller := newTestPoller(t, env)
	tenantID := uuid.New()

	binding, err := domain.NewBinding(tenantID, domain.IntegrationCodeIssuing, "card-1")
	require.NoError(t, err)
	require.NoError(t, env.bindings.Save(ctx, binding))
	agedDocument(t, env, binding, domain.DocumentStatusSent, time.Hour)

	jobs, err := poller.CollectDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// nothing to query for an entity that never got bound
	require.NoError(t, poller.Execute(ctx, jobs[0]))
	assert.Empty(t, env.sender.sent())
}
