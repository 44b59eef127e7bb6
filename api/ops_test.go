package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"argus/connector"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOpsServer(t *testing.T) (*OpsServer, *storage.JobStore, *storage.DLQ) {
	t.Helper()
	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "ops_test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	jobs := storage.NewJobStore(sqlite, zap.NewNop().Sugar())
	dlq := storage.NewDLQ(sqlite, zap.NewNop().Sugar())
	manager := connector.NewManager(nil, zap.NewNop().Sugar())
	return NewOpsServer("127.0.0.1:0", manager, jobs, dlq, zap.NewNop().Sugar()), jobs, dlq
}

func doRequest(s *OpsServer, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestOpsServer(t)

	rec := doRequest(s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestQueueStats(t *testing.T) {
	s, jobs, _ := newTestOpsServer(t)
	_, err := jobs.Insert("8.8.8.8", "ip", "")
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/v1/queue/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, int64(1), counts["pending"])
}

func TestDLQList(t *testing.T) {
	s, _, dlq := newTestOpsServer(t)
	require.NoError(t, dlq.Add(&storage.FailedEvent{
		Protocol: "syslog", RawEvent: "CEF:0|broken", ErrorReason: "parse_failure",
	}))

	rec := doRequest(s, http.MethodGet, "/v1/dlq")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []*storage.DLQEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "syslog", events[0].Protocol)
}

func TestDLQListEmptyIsArray(t *testing.T) {
	s, _, _ := newTestOpsServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/dlq")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDLQListRejectsBadLimit(t *testing.T) {
	s, _, _ := newTestOpsServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/dlq?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/dlq?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectorStates(t *testing.T) {
	s, _, _ := newTestOpsServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/connectors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestOpsServer(t)

	rec := doRequest(s, http.MethodPost, "/healthz")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
