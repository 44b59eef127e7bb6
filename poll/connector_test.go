package poll

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"argus/config"
	"argus/connector"
	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pollingConfig(endpoint, tokenURL string, mapping config.FieldMapping) config.ConnectorConfig {
	return config.ConnectorConfig{
		Name: "cloud-alerts",
		Type: config.ConnectorTypePolling,
		Polling: &config.PollingConfig{
			Endpoint:     endpoint,
			TokenURL:     tokenURL,
			ClientID:     "argus-client",
			ClientSecret: "sealed:hunter2",
			Interval:     100 * time.Millisecond,
			Mapping:      mapping,
		},
	}
}

func TestPollInitRequiresCredentials(t *testing.T) {
	c := NewConnector("cloud-alerts", core.NewChannelSink(1), nil, zap.NewNop().Sugar())

	err := c.Init(pollingConfig("https://api.example.com/alerts", "https://login.example.com/token", config.FieldMapping{}))
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestPollStartBeforeInit(t *testing.T) {
	c := NewConnector("cloud-alerts", core.NewChannelSink(1), newFakeCredentials(), zap.NewNop().Sugar())

	err := c.Start()
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, connector.StateUninitialized, c.State())
}

func TestPollTickEndToEnd(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var gotAuth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"items":[
			{"level":"critical","text":"breach detected","node":"web-01","when":"2026-01-15T10:00:00Z","rule_id":"r-77"},
			{"level":"nonsense","text":"second"}
		]}`))
	}))
	defer apiSrv.Close()

	sink := core.NewChannelSink(8)
	c := NewConnector("cloud-alerts", sink, newFakeCredentials(), zap.NewNop().Sugar())
	require.NoError(t, c.Init(pollingConfig(apiSrv.URL, tokenSrv.URL, config.FieldMapping{
		ItemsKey:     "items",
		SeverityKey:  "level",
		MessageKey:   "text",
		HostKey:      "node",
		TimestampKey: "when",
	})))
	require.NoError(t, c.Start())
	defer func() { require.NoError(t, c.Stop()) }()

	first := <-sink.Ch
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, core.SeverityCritical, first.Severity)
	assert.Equal(t, "breach detected", first.Message)
	assert.Equal(t, "web-01", first.Host)
	assert.Equal(t, "cloud-alerts", first.AgentID)
	assert.Equal(t, "poll", first.Category)
	wantMillis := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, wantMillis, first.TimestampMillis)
	ruleID, ok := first.Extension("rule_id")
	require.True(t, ok)
	assert.Equal(t, "r-77", ruleID)

	second := <-sink.Ch
	// Unmappable severities keep the default.
	assert.Equal(t, core.SeverityInfo, second.Severity)
}

func TestPollTickFailureKeepsSchedule(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var calls int
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"msg":"recovered"}]`))
	}))
	defer apiSrv.Close()

	sink := core.NewChannelSink(8)
	c := NewConnector("cloud-alerts", sink, newFakeCredentials(), zap.NewNop().Sugar())
	require.NoError(t, c.Init(pollingConfig(apiSrv.URL, tokenSrv.URL, config.FieldMapping{MessageKey: "msg"})))
	require.NoError(t, c.Start())
	defer func() { require.NoError(t, c.Stop()) }()

	// The first tick fails with a 502 yet the schedule delivers on a later one.
	select {
	case event := <-sink.Ch:
		assert.Equal(t, "recovered", event.Message)
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not recover after a failed tick")
	}
	assert.GreaterOrEqual(t, calls, 2)
}

func TestPollStopIdempotent(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer tokenSrv.Close()
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer apiSrv.Close()

	c := NewConnector("cloud-alerts", core.NewChannelSink(1), newFakeCredentials(), zap.NewNop().Sugar())
	require.NoError(t, c.Init(pollingConfig(apiSrv.URL, tokenSrv.URL, config.FieldMapping{})))
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, connector.StateStopped, c.State())
}

func TestExtractRecords(t *testing.T) {
	records, err := extractRecords([]byte(`[{"a":"1"},{"a":"2"}]`), "")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = extractRecords([]byte(`{"data":[{"a":"1"}]}`), "data")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = extractRecords([]byte(`{"other":[]}`), "data")
	var parseErr *core.ParseError
	require.True(t, errors.As(err, &parseErr))

	_, err = extractRecords([]byte(`{not json`), "data")
	assert.True(t, errors.As(err, &parseErr))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "42", stringify(float64(42)))
	assert.Equal(t, "3.5", stringify(3.5))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, `["a","b"]`, stringify([]interface{}{"a", "b"}))
}
