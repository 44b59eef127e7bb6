package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"argus/config"
	"argus/connector"
	"argus/core"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// flushInterval paces delivery of buffered events to the sink.
	flushInterval = time.Second
	// flushBatchSize bounds how many buffered events one flush delivers.
	flushBatchSize = 256

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handshake is the first message on every agent stream.
type handshake struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Connector accepts authenticated streaming connections from endpoint agents
// and converts agent payloads into normalized events. Accepted events are
// appended to a local SQLite buffer before sink delivery so a temporarily
// unreachable sink loses nothing.
type Connector struct {
	connector.StateTracker

	name   string
	cfg    *config.AgentConfig
	sink   core.EventSink
	logger *zap.SugaredLogger

	store  *storage.SQLite
	buffer *storage.BufferStore

	server   *http.Server
	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnector creates an agent connector.
func NewConnector(name string, sink core.EventSink, logger *zap.SugaredLogger) *Connector {
	return &Connector{name: name, sink: sink, logger: logger}
}

// Name returns the connector's declared name.
func (c *Connector) Name() string { return c.name }

// Init validates the agent configuration and opens (creating if absent) the
// local durability store.
func (c *Connector) Init(cfg config.ConnectorConfig) error {
	if cfg.IsEmpty() {
		return core.NewConfigurationError(c.name, "agent", "missing configuration")
	}
	if cfg.Type != config.ConnectorTypeAgent {
		return core.NewConfigurationError(c.name, "type", fmt.Sprintf("expected %q, got %q", config.ConnectorTypeAgent, cfg.Type))
	}
	if err := cfg.Validate(); err != nil {
		return &core.ConfigurationError{Connector: c.name, Reason: err.Error()}
	}
	c.cfg = cfg.Agent

	store, err := storage.NewSQLite(c.cfg.BufferPath, c.logger)
	if err != nil {
		return &core.ConfigurationError{
			Connector: c.name,
			Field:     "buffer_path",
			Reason:    fmt.Sprintf("failed to open durability store: %v", err),
		}
	}
	c.store = store
	c.buffer = storage.NewBufferStore(store, c.logger)

	c.SetState(connector.StateInitialized)
	return nil
}

// Start opens the streaming listener and the background flusher. Calling
// Start before a successful Init is a usage error with no socket binding.
func (c *Connector) Start() error {
	if !c.CanStart() {
		return core.NewConfigurationError(c.name, "", "start called before successful init")
	}
	c.stopCh = make(chan struct{})

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &core.TransportError{Op: "agent listen", Err: err}
	}
	c.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", c.handleStream)
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer goroutine.Recover(c.name+"-server", c.logger)
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Errorf("Agent listener error: %v", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer goroutine.Recover(c.name+"-flusher", c.logger)
		c.runFlusher()
	}()

	c.SetState(connector.StateRunning)
	c.logger.Infof("Agent connector %s listening on %s", c.name, addr)
	return nil
}

// Stop forcibly terminates the listener (new streams are rejected, existing
// ones are not drained), stops the flusher, and closes the durability store.
// Stopping an already-stopped connector is a no-op.
func (c *Connector) Stop() error {
	if c.State() != connector.StateRunning {
		return nil
	}
	var storeErr error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.server.Close()
		c.wg.Wait()
		storeErr = c.store.Close()
	})
	c.SetState(connector.StateStopped)
	if storeErr != nil {
		return fmt.Errorf("failed to close durability store: %w", storeErr)
	}
	return nil
}

// handleStream upgrades one agent connection, verifies its handshake token,
// then consumes event payloads until the stream ends.
func (c *Connector) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warnf("Agent stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	agentID, err := c.authenticate(conn)
	if err != nil {
		c.logger.Warnf("Agent stream from %s rejected: %v", r.RemoteAddr, err)
		metrics.AgentStreamsRejected.Inc()
		c.writeControl(conn, map[string]string{"status": "error", "error": "authentication failed"})
		return
	}
	c.writeControl(conn, map[string]string{"status": "ok"})
	c.logger.Infof("Agent %s connected from %s", agentID, r.RemoteAddr)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("Agent %s stream closed: %v", agentID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		encoding := EncodingJSON
		if msgType == websocket.BinaryMessage {
			encoding = EncodingMsgpack
		}
		if err := c.process(data, encoding, agentID); err != nil {
			// A malformed payload is dropped; the stream stays up.
			c.logger.Errorf("Failed to process event from agent %s: %v", agentID, err)
			metrics.ParseFailures.WithLabelValues("agent").Inc()
		}
	}
}

// authenticate reads the handshake and verifies its token as an HMAC-signed
// JWT against the configured secret. The token subject must match the
// claimed agent identity; no partial trust.
func (c *Connector) authenticate(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", &core.AuthenticationError{Reason: fmt.Sprintf("failed to read handshake: %v", err)}
	}
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return "", &core.AuthenticationError{Reason: "malformed handshake"}
	}
	if hs.AgentID == "" || hs.Token == "" {
		return "", &core.AuthenticationError{Reason: "handshake missing agent_id or token"}
	}

	token, err := jwt.Parse(hs.Token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(c.cfg.AuthSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", &core.AuthenticationError{Reason: "invalid token"}
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject != hs.AgentID {
		return "", &core.AuthenticationError{Reason: "token subject does not match agent_id"}
	}
	return hs.AgentID, nil
}

// process decodes one agent payload and appends the resulting event to the
// durability buffer. Sink delivery happens asynchronously in the flusher.
func (c *Connector) process(data []byte, encoding, agentID string) error {
	payload, err := DecodePayload(data, encoding)
	if err != nil {
		return err
	}
	event := payload.ToEvent(c.name, agentID)
	return c.buffer.Append(event)
}

// runFlusher periodically drains the buffer to the sink. Sink failures leave
// events buffered for the next cycle.
func (c *Connector) runFlusher() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Connector) flush() {
	buffered, err := c.buffer.Undelivered(flushBatchSize)
	if err != nil {
		c.logger.Errorf("Failed to read agent buffer: %v", err)
		return
	}
	for _, be := range buffered {
		if err := c.sink.Create(be.Event); err != nil {
			// Sink unreachable: stop this cycle, events stay buffered.
			c.logger.Warnf("Event sink unavailable, keeping %d events buffered: %v", len(buffered), err)
			return
		}
		if err := c.buffer.MarkDelivered(be.Seq); err != nil {
			c.logger.Errorf("Failed to mark buffered event %d delivered: %v", be.Seq, err)
			return
		}
	}
	if len(buffered) > 0 {
		if err := c.buffer.Purge(); err != nil {
			c.logger.Warnf("Failed to purge delivered buffer rows: %v", err)
		}
	}
}

func (c *Connector) writeControl(conn *websocket.Conn, msg map[string]string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debugf("Failed to write control message: %v", err)
	}
}
