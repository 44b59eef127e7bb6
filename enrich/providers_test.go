package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirusTotalLookupHash(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-apikey")
		_, _ = w.Write([]byte(`{"data":{"attributes":{
			"last_analysis_stats":{"malicious":45,"suspicious":0,"harmless":5,"undetected":0},
			"first_submission_date":1700000000}}}`))
	}))
	defer srv.Close()

	p := NewVirusTotalProvider("vt-key")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, "/files/d41d8cd98f00b204e9800998ecf8427e", gotPath)
	assert.Equal(t, "vt-key", gotKey)
	assert.Equal(t, float64(90), report.Score)
	assert.Equal(t, VerdictMalicious, report.Verdict)
	assert.False(t, report.FirstSeen.IsZero())
}

func TestVirusTotalLookupURLUsesURLEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{}}}}`))
	}))
	defer srv.Close()

	p := NewVirusTotalProvider("vt-key")
	p.baseURL = srv.URL

	_, err := p.Lookup(context.Background(), "https://evil.example.com/payload")
	require.NoError(t, err)
	assert.Contains(t, gotPath, "/urls/")
}

func TestVirusTotalNotFoundIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewVirusTotalProvider("vt-key")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, VerdictClean, report.Verdict)
	assert.Zero(t, report.Score)
}

func TestVirusTotalCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewVirusTotalProvider("vt-key")
	p.baseURL = srv.URL

	for i := 0; i < 5; i++ {
		_, err := p.Lookup(context.Background(), "d41d8cd98f00b204e9800998ecf8427e")
		require.Error(t, err)
	}
	assert.Equal(t, core.CircuitBreakerStateOpen, p.breaker.State())

	// With the breaker open the failure is immediate, no request sent.
	_, err := p.Lookup(context.Background(), "d41d8cd98f00b204e9800998ecf8427e")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestAbuseIPDBLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abuse-key", r.Header.Get("Key"))
		assert.Equal(t, "8.8.8.8", r.URL.Query().Get("ipAddress"))
		_, _ = w.Write([]byte(`{"data":{"abuseConfidenceScore":72}}`))
	}))
	defer srv.Close()

	p := NewAbuseIPDBProvider("abuse-key")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, float64(72), report.Score)
	assert.Equal(t, VerdictSuspicious, report.Verdict)
}

func TestOTXLookupScoresByPulseCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pulse_info":{"count":3},"reputation":0}`))
	}))
	defer srv.Close()

	p := NewOTXProvider("otx-key")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, float64(30), report.Score)
	assert.Equal(t, VerdictClean, report.Verdict)
}

func TestNVDLookupScalesCVSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CVE-2021-44228", r.URL.Query().Get("cveId"))
		_, _ = w.Write([]byte(`{"vulnerabilities":[{"cve":{"metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":10.0}}]}}}]}`))
	}))
	defer srv.Close()

	p := NewNVDProvider("")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "CVE-2021-44228")
	require.NoError(t, err)
	assert.Equal(t, float64(100), report.Score)
	assert.Equal(t, VerdictMalicious, report.Verdict)
}

func TestNVDLookupNoAdvisories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"vulnerabilities":[]}`))
	}))
	defer srv.Close()

	p := NewNVDProvider("")
	p.baseURL = srv.URL

	report, err := p.Lookup(context.Background(), "CVE-1999-0001")
	require.NoError(t, err)
	assert.Equal(t, VerdictClean, report.Verdict)
}
