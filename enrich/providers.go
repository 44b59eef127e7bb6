// Package enrich implements the durable enrichment job queue, the lookup
// worker with its cache-validity short-circuit, and the threat-intelligence
// provider adapters it fans out to.
package enrich

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"argus/core"
	"argus/metrics"
)

// Verdicts derived from provider scores.
const (
	VerdictClean      = "clean"
	VerdictSuspicious = "suspicious"
	VerdictMalicious  = "malicious"
	VerdictVulnerable = "vulnerable"
)

// Report is the uniform result of one provider lookup.
type Report struct {
	Provider  string
	Score     float64 // 0-100
	Verdict   string
	RawResult string
	TTL       time.Duration
	FirstSeen time.Time // zero when the provider reports none
}

// Provider is the uniform lookup capability over one external intelligence
// source. Lookup may fail on transport or parse errors; providers never
// retry internally; retry is the queue's responsibility.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, iocValue string) (*Report, error)
}

// ProviderSet selects providers by IOC type. It is assembled explicitly by
// the hosting process at startup; there is no global registry.
type ProviderSet map[core.IOCType][]Provider

// VerdictFromScore applies the shared thresholds: score > 80 is malicious,
// score > 50 is suspicious, anything else is clean (or vulnerable for CVE
// lookups, where presence of a scored advisory means the finding stands).
func VerdictFromScore(score float64, iocType core.IOCType) string {
	switch {
	case score > 80:
		return VerdictMalicious
	case score > 50:
		return VerdictSuspicious
	case iocType == core.IOCTypeCVE && score > 0:
		return VerdictVulnerable
	default:
		return VerdictClean
	}
}

const (
	providerTimeout = 15 * time.Second
	defaultTTL      = 24 * time.Hour
)

func newProviderHTTPClient() *http.Client {
	return &http.Client{
		Timeout: providerTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// VirusTotalProvider looks up file hashes and URLs against VirusTotal.
type VirusTotalProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *core.CircuitBreaker
}

// NewVirusTotalProvider creates a VirusTotal provider.
func NewVirusTotalProvider(apiKey string) *VirusTotalProvider {
	return &VirusTotalProvider{
		apiKey:  apiKey,
		baseURL: "https://www.virustotal.com/api/v3",
		client:  newProviderHTTPClient(),
		breaker: core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig()),
	}
}

// Name returns the provider name.
func (p *VirusTotalProvider) Name() string { return "virustotal" }

// Lookup queries VirusTotal for a hash or URL.
func (p *VirusTotalProvider) Lookup(ctx context.Context, iocValue string) (*Report, error) {
	endpoint := fmt.Sprintf("%s/files/%s", p.baseURL, url.PathEscape(iocValue))
	if t, err := core.ClassifyIOC(iocValue); err == nil && t == core.IOCTypeURL {
		endpoint = fmt.Sprintf("%s/urls/%s", p.baseURL, url.PathEscape(iocValue))
	}

	body, status, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &Report{Provider: p.Name(), Score: 0, Verdict: VerdictClean, RawResult: "{}", TTL: defaultTTL}, nil
	}

	var vt struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious  int `json:"malicious"`
					Suspicious int `json:"suspicious"`
					Harmless   int `json:"harmless"`
					Undetected int `json:"undetected"`
				} `json:"last_analysis_stats"`
				FirstSubmissionDate int64 `json:"first_submission_date"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &vt); err != nil {
		return nil, fmt.Errorf("failed to decode VirusTotal response: %w", err)
	}

	stats := vt.Data.Attributes.LastAnalysisStats
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected
	var score float64
	if total > 0 {
		score = float64(stats.Malicious) / float64(total) * 100
	}

	report := &Report{
		Provider:  p.Name(),
		Score:     score,
		Verdict:   VerdictFromScore(score, core.IOCTypeHash),
		RawResult: string(body),
		TTL:       defaultTTL,
	}
	if ts := vt.Data.Attributes.FirstSubmissionDate; ts > 0 {
		report.FirstSeen = time.Unix(ts, 0).UTC()
	}
	return report, nil
}

func (p *VirusTotalProvider) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	if err := p.breaker.Allow(); err != nil {
		return nil, 0, &core.TransportError{Op: "virustotal lookup", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-apikey", p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProviderLookupDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		p.breaker.RecordFailure()
		return nil, 0, &core.TransportError{Op: "virustotal lookup", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		p.breaker.RecordFailure()
		return nil, resp.StatusCode, &core.TransportError{
			Op:  "virustotal lookup",
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	p.breaker.RecordSuccess()

	body, err := readBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// AbuseIPDBProvider looks up IP addresses against AbuseIPDB.
type AbuseIPDBProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAbuseIPDBProvider creates an AbuseIPDB provider.
func NewAbuseIPDBProvider(apiKey string) *AbuseIPDBProvider {
	return &AbuseIPDBProvider{
		apiKey:  apiKey,
		baseURL: "https://api.abuseipdb.com/api/v2",
		client:  newProviderHTTPClient(),
	}
}

// Name returns the provider name.
func (p *AbuseIPDBProvider) Name() string { return "abuseipdb" }

// Lookup queries AbuseIPDB for an IP reputation.
func (p *AbuseIPDBProvider) Lookup(ctx context.Context, iocValue string) (*Report, error) {
	endpoint := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", p.baseURL, url.QueryEscape(iocValue))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProviderLookupDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &core.TransportError{Op: "abuseipdb lookup", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &core.TransportError{Op: "abuseipdb lookup", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var abuse struct {
		Data struct {
			AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &abuse); err != nil {
		return nil, fmt.Errorf("failed to decode AbuseIPDB response: %w", err)
	}

	score := abuse.Data.AbuseConfidenceScore
	return &Report{
		Provider:  p.Name(),
		Score:     score,
		Verdict:   VerdictFromScore(score, core.IOCTypeIP),
		RawResult: string(body),
		TTL:       defaultTTL,
	}, nil
}

// OTXProvider looks up IP addresses against AlienVault OTX pulse data.
type OTXProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOTXProvider creates an AlienVault OTX provider.
func NewOTXProvider(apiKey string) *OTXProvider {
	return &OTXProvider{
		apiKey:  apiKey,
		baseURL: "https://otx.alienvault.com/api/v1",
		client:  newProviderHTTPClient(),
	}
}

// Name returns the provider name.
func (p *OTXProvider) Name() string { return "otx" }

// Lookup queries OTX for an IP's pulse activity.
func (p *OTXProvider) Lookup(ctx context.Context, iocValue string) (*Report, error) {
	endpoint := fmt.Sprintf("%s/indicators/IPv4/%s/general", p.baseURL, url.PathEscape(iocValue))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProviderLookupDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &core.TransportError{Op: "otx lookup", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Report{Provider: p.Name(), Score: 0, Verdict: VerdictClean, RawResult: "{}", TTL: defaultTTL}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.TransportError{Op: "otx lookup", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var otx struct {
		PulseInfo struct {
			Count int `json:"count"`
		} `json:"pulse_info"`
		Reputation int `json:"reputation"`
	}
	if err := json.Unmarshal(body, &otx); err != nil {
		return nil, fmt.Errorf("failed to decode OTX response: %w", err)
	}

	// Each pulse raises the score; ten or more pulses is conclusive.
	score := float64(otx.PulseInfo.Count) * 10
	if score > 100 {
		score = 100
	}
	return &Report{
		Provider:  p.Name(),
		Score:     score,
		Verdict:   VerdictFromScore(score, core.IOCTypeIP),
		RawResult: string(body),
		TTL:       defaultTTL,
	}, nil
}

// NVDProvider looks up CVE identifiers against the NVD advisory database.
type NVDProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewNVDProvider creates an NVD provider.
func NewNVDProvider(apiKey string) *NVDProvider {
	return &NVDProvider{
		apiKey:  apiKey,
		baseURL: "https://services.nvd.nist.gov/rest/json/cves/2.0",
		client:  newProviderHTTPClient(),
	}
}

// Name returns the provider name.
func (p *NVDProvider) Name() string { return "nvd" }

// Lookup queries NVD for a CVE's CVSS score.
func (p *NVDProvider) Lookup(ctx context.Context, iocValue string) (*Report, error) {
	endpoint := fmt.Sprintf("%s?cveId=%s", p.baseURL, url.QueryEscape(iocValue))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("apiKey", p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProviderLookupDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &core.TransportError{Op: "nvd lookup", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &core.TransportError{Op: "nvd lookup", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var nvd struct {
		Vulnerabilities []struct {
			CVE struct {
				Metrics struct {
					CVSSMetricV31 []struct {
						CVSSData struct {
							BaseScore float64 `json:"baseScore"`
						} `json:"cvssData"`
					} `json:"cvssMetricV31"`
				} `json:"metrics"`
			} `json:"cve"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(body, &nvd); err != nil {
		return nil, fmt.Errorf("failed to decode NVD response: %w", err)
	}

	// CVSS base score is 0-10; scale to the shared 0-100 range.
	var score float64
	if len(nvd.Vulnerabilities) > 0 {
		m := nvd.Vulnerabilities[0].CVE.Metrics.CVSSMetricV31
		if len(m) > 0 {
			score = m[0].CVSSData.BaseScore * 10
		}
	}
	return &Report{
		Provider:  p.Name(),
		Score:     score,
		Verdict:   VerdictFromScore(score, core.IOCTypeCVE),
		RawResult: string(body),
		TTL:       defaultTTL,
	}, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	const maxBody = 4 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
