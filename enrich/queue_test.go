package enrich

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"argus/core"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type queueFixture struct {
	queue  *Queue
	jobs   *storage.JobStore
	cache  *storage.IntelCache
	sqlite *storage.SQLite
}

func newTestQueue(t *testing.T, providers ProviderSet) *queueFixture {
	t.Helper()
	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "queue_test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	jobs := storage.NewJobStore(sqlite, zap.NewNop().Sugar())
	cache := storage.NewIntelCache(sqlite, zap.NewNop().Sugar())
	worker := NewWorker(cache, providers, zap.NewNop().Sugar())
	cfg := QueueConfig{Workers: 1, MaxAttempts: 3, BackoffBase: 5 * time.Second}
	return &queueFixture{
		queue:  NewQueue(cfg, jobs, worker, zap.NewNop().Sugar()),
		jobs:   jobs,
		cache:  cache,
		sqlite: sqlite,
	}
}

// claimNow collapses any scheduled backoff and claims the single job,
// so retry sequences run without waiting out the schedule.
func (f *queueFixture) claimNow(t *testing.T) *storage.IntelLookupJob {
	t.Helper()
	_, err := f.sqlite.DB.Exec(
		`UPDATE enrichment_jobs SET next_attempt = ? WHERE status = 'pending'`,
		time.Now().UTC().Add(-time.Second),
	)
	require.NoError(t, err)
	claimed, err := f.jobs.ClaimDue(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestEnqueueClassifies(t *testing.T) {
	f := newTestQueue(t, ProviderSet{})

	job, err := f.queue.Enqueue("CVE-2023-1234", "alert-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.IOCTypeCVE, job.IOCType)
	assert.Equal(t, "alert-1", job.AlertID)

	counts, err := f.jobs.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[storage.JobStatusPending])
}

func TestEnqueueRejectsUnknownIOC(t *testing.T) {
	f := newTestQueue(t, ProviderSet{})

	_, err := f.queue.Enqueue("not-an-ioc", "")
	require.ErrorIs(t, err, core.ErrUnknownIOCType)

	counts, err := f.jobs.CountByStatus()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEnqueueDeduplicatesInFlight(t *testing.T) {
	f := newTestQueue(t, ProviderSet{})

	first, err := f.queue.Enqueue("8.8.8.8", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.queue.Enqueue("8.8.8.8", "")
	require.ErrorIs(t, err, ErrInFlight)
	assert.Nil(t, second)

	counts, err := f.jobs.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[storage.JobStatusPending])
}

func TestHandleCompletesSuccessfulJob(t *testing.T) {
	provider := &fakeProvider{name: "abuseipdb", report: goodReport("abuseipdb", 95)}
	f := newTestQueue(t, ProviderSet{core.IOCTypeIP: {provider}})

	_, err := f.queue.Enqueue("8.8.8.8", "")
	require.NoError(t, err)

	f.queue.handle(f.claimNow(t))

	counts, err := f.jobs.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[storage.JobStatusDone])

	entry, err := f.cache.GetValid("8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Completion clears the in-flight guard, so the IOC can be enqueued again.
	again, err := f.queue.Enqueue("8.8.8.8", "")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestHandleRetriesThenDead(t *testing.T) {
	provider := &fakeProvider{name: "otx", err: errors.New("upstream down")}
	f := newTestQueue(t, ProviderSet{core.IOCTypeIP: {provider}})

	_, err := f.queue.Enqueue("5.6.7.8", "")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		f.queue.handle(f.claimNow(t))
	}

	counts, err := f.jobs.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[storage.JobStatusDead])
	assert.Equal(t, int64(3), provider.calls.Load())

	dead, err := f.jobs.DeadJobs(1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "upstream down")

	// A dead job frees the in-flight guard as well.
	again, err := f.queue.Enqueue("5.6.7.8", "")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestBackoffDoubles(t *testing.T) {
	f := newTestQueue(t, ProviderSet{})

	assert.Equal(t, 5*time.Second, f.queue.backoff(1))
	assert.Equal(t, 10*time.Second, f.queue.backoff(2))
	assert.Equal(t, 20*time.Second, f.queue.backoff(3))
}
