package poll

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"argus/config"
	"argus/connector"
	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

const (
	// tickTimeout bounds one whole poll cycle including the token fetch.
	tickTimeout = 30 * time.Second
	// maxResponseBytes limits how much of a polled body is read.
	maxResponseBytes = 10 << 20
)

// Connector polls an authenticated HTTP endpoint on a periodic schedule and
// maps the response body to normalized events via the configured field
// mapping. One tick runs at a time; a failed tick is logged and the next
// tick proceeds independently, with no retry within a tick.
type Connector struct {
	connector.StateTracker

	name        string
	cfg         *config.PollingConfig
	sink        core.EventSink
	credentials CredentialStore
	tokens      *TokenClient
	httpClient  *http.Client
	logger      *zap.SugaredLogger

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnector creates a polling connector.
func NewConnector(name string, sink core.EventSink, credentials CredentialStore, logger *zap.SugaredLogger) *Connector {
	return &Connector{
		name:        name,
		sink:        sink,
		credentials: credentials,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

// Name returns the connector's declared name.
func (c *Connector) Name() string { return c.name }

// Init validates the polling configuration and builds the token client.
func (c *Connector) Init(cfg config.ConnectorConfig) error {
	if cfg.IsEmpty() {
		return core.NewConfigurationError(c.name, "polling", "missing configuration")
	}
	if cfg.Type != config.ConnectorTypePolling {
		return core.NewConfigurationError(c.name, "type", fmt.Sprintf("expected %q, got %q", config.ConnectorTypePolling, cfg.Type))
	}
	if err := cfg.Validate(); err != nil {
		return &core.ConfigurationError{Connector: c.name, Reason: err.Error()}
	}
	if c.credentials == nil {
		return core.NewConfigurationError(c.name, "credential_store", "is required")
	}

	c.cfg = cfg.Polling
	c.tokens = NewTokenClient(
		c.cfg.TokenURL,
		c.cfg.ClientID,
		c.cfg.ClientSecret,
		c.cfg.Scopes,
		c.credentials,
		c.logger,
	)
	c.SetState(connector.StateInitialized)
	return nil
}

// Start begins the periodic schedule. Calling Start before a successful
// Init is a usage error.
func (c *Connector) Start() error {
	if !c.CanStart() {
		return core.NewConfigurationError(c.name, "", "start called before successful init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer goroutine.Recover(c.name+"-poll", c.logger)
		c.run(ctx)
	}()

	c.SetState(connector.StateRunning)
	c.logger.Infof("Polling connector %s scheduled every %s against %s", c.name, c.cfg.Interval, c.cfg.Endpoint)
	return nil
}

// Stop cancels the schedule. An in-flight tick is allowed to complete.
// Stopping an already-stopped connector is a no-op.
func (c *Connector) Stop() error {
	if c.State() != connector.StateRunning {
		return nil
	}
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	c.SetState(connector.StateStopped)
	return nil
}

// run is the single-threaded periodic timer: ticks never overlap for one
// connector instance.
func (c *Connector) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				// Any tick failure is caught here; the schedule continues.
				c.logger.Errorf("Polling tick failed for %s: %v", c.name, err)
				metrics.PollTicks.WithLabelValues(c.name, "error").Inc()
				continue
			}
			metrics.PollTicks.WithLabelValues(c.name, "ok").Inc()
		}
	}
}

// tick performs one poll cycle: obtain a token, GET the endpoint with bearer
// auth, apply the mapping transform, and deliver each event to the sink.
func (c *Connector) tick(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, tickTimeout)
	defer cancel()

	token, err := c.tokens.FetchToken(ctx)
	if err != nil {
		return fmt.Errorf("token fetch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &core.TransportError{Op: "poll fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &core.AuthenticationError{Reason: fmt.Sprintf("endpoint returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &core.TransportError{Op: "poll fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &core.TransportError{Op: "poll read", Err: err}
	}

	events, err := c.mapResponse(body)
	if err != nil {
		return fmt.Errorf("mapping transform: %w", err)
	}

	for _, event := range events {
		if err := c.sink.Create(event); err != nil {
			c.logger.Errorf("Event sink rejected polled event %s: %v", event.ID, err)
		}
	}
	if len(events) > 0 {
		c.logger.Debugf("Polling connector %s delivered %d events", c.name, len(events))
	}
	return nil
}

// mapResponse applies the configured field mapping to the raw response body,
// producing zero or more normalized events.
func (c *Connector) mapResponse(body []byte) ([]*core.NormalizedEvent, error) {
	records, err := extractRecords(body, c.cfg.Mapping.ItemsKey)
	if err != nil {
		return nil, err
	}

	events := make([]*core.NormalizedEvent, 0, len(records))
	for _, record := range records {
		events = append(events, c.mapRecord(record))
	}
	return events, nil
}

// extractRecords pulls the record array out of the response body. With an
// empty items_key the body itself must be an array.
func extractRecords(body []byte, itemsKey string) ([]map[string]interface{}, error) {
	if itemsKey == "" {
		var records []map[string]interface{}
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, &core.ParseError{Protocol: "polling", Err: err}
		}
		return records, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &core.ParseError{Protocol: "polling", Err: err}
	}
	raw, ok := envelope[itemsKey]
	if !ok {
		return nil, &core.ParseError{Protocol: "polling", Err: fmt.Errorf("response missing items key %q", itemsKey)}
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &core.ParseError{Protocol: "polling", Err: err}
	}
	return records, nil
}

// mapRecord builds one normalized event from a source record. Mapped keys
// fill the canonical fields; every other key becomes an extension in sorted
// order. Engine and timestamp are always connector-assigned unless the
// mapping names an explicit timestamp source field.
func (c *Connector) mapRecord(record map[string]interface{}) *core.NormalizedEvent {
	m := c.cfg.Mapping
	event := core.NewEvent(c.name)

	consumed := map[string]struct{}{}
	take := func(key string) (string, bool) {
		if key == "" {
			return "", false
		}
		v, ok := record[key]
		if !ok {
			return "", false
		}
		consumed[key] = struct{}{}
		return stringify(v), true
	}

	if v, ok := take(m.AgentIDKey); ok {
		event.AgentID = v
	} else {
		event.AgentID = c.name
	}
	if v, ok := take(m.SeverityKey); ok {
		if sev := core.Severity(v); sev.IsValid() {
			event.Severity = sev
		}
	}
	if v, ok := take(m.CategoryKey); ok && v != "" {
		event.Category = v
	} else {
		event.Category = "poll"
	}
	if v, ok := take(m.HostKey); ok {
		event.Host = v
	}
	if v, ok := take(m.MessageKey); ok {
		event.Message = v
	}
	if v, ok := take(m.TimestampKey); ok {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			event.TimestampMillis = millis
		} else if ts, err := time.Parse(time.RFC3339, v); err == nil {
			event.TimestampMillis = ts.UnixMilli()
		}
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		if _, used := consumed[k]; used {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		event.AddExtension(k, stringify(record[k]))
	}
	return event
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
