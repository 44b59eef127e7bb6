package ingest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"argus/config"
	"argus/connector"
	"argus/core"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	udpReadBufferSize = 65536
	tcpReadDeadline   = 5 * time.Minute
)

// SyslogConnector ingests security events over up to three concurrently
// active transports (UDP, TCP, TLS-wrapped TCP) sharing one raw-message
// handler. TCP and TLS streams are framed by newline; a line is one message.
type SyslogConnector struct {
	connector.StateTracker

	name       string
	cfg        *config.SyslogConfig
	tlsConfig  *tls.Config
	categories map[string]string
	sink       core.EventSink
	dlq        *storage.DLQ
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger

	udpConn     net.PacketConn
	tcpListener net.Listener
	tlsListener net.Listener
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewSyslogConnector creates a syslog connector. dlq may be nil; malformed
// messages are then only logged.
func NewSyslogConnector(name string, sink core.EventSink, dlq *storage.DLQ, rateLimit int, logger *zap.SugaredLogger) *SyslogConnector {
	if rateLimit <= 0 {
		rateLimit = 5000
	}
	return &SyslogConnector{
		name:    name,
		sink:    sink,
		dlq:     dlq,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		logger:  logger,
	}
}

// Name returns the connector's declared name.
func (s *SyslogConnector) Name() string { return s.name }

// Init validates the syslog configuration and loads the TLS key pair when a
// TLS listener is configured. Missing required fields fail fast here.
func (s *SyslogConnector) Init(cfg config.ConnectorConfig) error {
	if cfg.IsEmpty() {
		return core.NewConfigurationError(s.name, "syslog", "missing configuration")
	}
	if cfg.Type != config.ConnectorTypeSyslog {
		return core.NewConfigurationError(s.name, "type", fmt.Sprintf("expected %q, got %q", config.ConnectorTypeSyslog, cfg.Type))
	}
	if err := cfg.Validate(); err != nil {
		return &core.ConfigurationError{Connector: s.name, Reason: err.Error()}
	}

	s.cfg = cfg.Syslog
	s.categories = cfg.Syslog.Categories

	if s.cfg.TLSPort != 0 {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return &core.ConfigurationError{
				Connector: s.name,
				Field:     "cert_file/key_file",
				Reason:    fmt.Sprintf("failed to load TLS key pair: %v", err),
			}
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s.SetState(connector.StateInitialized)
	return nil
}

// Start binds the configured listeners. Calling Start before a successful
// Init is a usage error and performs no socket binding.
func (s *SyslogConnector) Start() error {
	if !s.CanStart() {
		return core.NewConfigurationError(s.name, "", "start called before successful init")
	}
	s.stopCh = make(chan struct{})

	host := s.cfg.Host
	udpConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", host, s.cfg.UDPPort))
	if err != nil {
		return &core.TransportError{Op: "udp listen", Err: err}
	}
	s.udpConn = udpConn

	if s.cfg.TCPPort != 0 {
		tcpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.TCPPort))
		if err != nil {
			udpConn.Close()
			return &core.TransportError{Op: "tcp listen", Err: err}
		}
		s.tcpListener = tcpListener
	}

	if s.cfg.TLSPort != 0 {
		tlsListener, err := tls.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.TLSPort), s.tlsConfig)
		if err != nil {
			udpConn.Close()
			if s.tcpListener != nil {
				s.tcpListener.Close()
			}
			return &core.TransportError{Op: "tls listen", Err: err}
		}
		s.tlsListener = tlsListener
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover(s.name+"-udp", s.logger)
		s.serveUDP()
	}()

	if s.tcpListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer goroutine.Recover(s.name+"-tcp", s.logger)
			s.serveStream(s.tcpListener, "tcp")
		}()
	}
	if s.tlsListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer goroutine.Recover(s.name+"-tls", s.logger)
			s.serveStream(s.tlsListener, "tls")
		}()
	}

	s.SetState(connector.StateRunning)
	s.logger.Infof("Syslog connector %s listening (udp:%d tcp:%d tls:%d)",
		s.name, s.cfg.UDPPort, s.cfg.TCPPort, s.cfg.TLSPort)
	return nil
}

// Stop closes all listeners and waits for in-flight handlers. Stopping an
// already-stopped connector is a no-op.
func (s *SyslogConnector) Stop() error {
	if s.State() != connector.StateRunning {
		return nil
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		if s.tcpListener != nil {
			s.tcpListener.Close()
		}
		if s.tlsListener != nil {
			s.tlsListener.Close()
		}
		s.wg.Wait()
	})
	s.SetState(connector.StateStopped)
	return nil
}

func (s *SyslogConnector) serveUDP() {
	buffer := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.udpConn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("Syslog UDP read error: %v", err)
			continue
		}
		// One datagram is one complete message; no reassembly.
		raw := strings.TrimSpace(string(buffer[:n]))
		if raw == "" {
			continue
		}
		s.handleRaw(raw, addr.String())
	}
}

func (s *SyslogConnector) serveStream(listener net.Listener, transport string) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("Syslog %s accept error: %v", transport, err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer goroutine.Recover(s.name+"-"+transport+"-conn", s.logger)
			s.handleConn(conn)
		}()
	}
}

// handleConn reads newline-framed messages from one stream connection.
// Within one connection, message order is preserved.
func (s *SyslogConnector) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(tcpReadDeadline))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleRaw(line, conn.RemoteAddr().String())
		conn.SetReadDeadline(time.Now().Add(tcpReadDeadline))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugf("Syslog stream closed: %v", err)
	}
}

// handleRaw parses one raw message and delivers exactly one normalized event
// to the sink on success. A parse failure is logged, recorded in the DLQ, and
// the message dropped; it never affects other in-flight messages.
func (s *SyslogConnector) handleRaw(raw, sourceAddr string) {
	if !s.limiter.Allow() {
		s.logger.Warnf("Rate limit exceeded for syslog connector %s", s.name)
		return
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		s.logger.Errorf("Failed to parse syslog message: %v", err)
		metrics.ParseFailures.WithLabelValues("syslog").Inc()
		if s.dlq != nil {
			sourceIP, _, splitErr := net.SplitHostPort(sourceAddr)
			if splitErr != nil {
				sourceIP = sourceAddr
			}
			if dlqErr := s.dlq.Add(&storage.FailedEvent{
				Protocol:     "syslog",
				RawEvent:     raw,
				ErrorReason:  "parse_failure",
				ErrorDetails: err.Error(),
				SourceIP:     sourceIP,
			}); dlqErr != nil {
				s.logger.Warnf("Failed to write event to DLQ: %v (original parse error: %v)", dlqErr, err)
			}
		}
		return
	}

	event := core.NewEvent(s.name)
	event.AgentID = sourceAddr
	event.Severity = MapSeverity(msg.Severity)
	event.Category = s.resolveCategory(msg.AppName)
	event.Message = msg.Message
	event.Extensions = msg.Extensions

	if err := s.sink.Create(event); err != nil {
		s.logger.Errorf("Event sink rejected syslog event %s: %v", event.ID, err)
	}
}

// resolveCategory looks the parsed appName up in the configured mapping
// table; absent entries fall back to the appName itself.
func (s *SyslogConnector) resolveCategory(appName string) string {
	if category, ok := s.categories[appName]; ok {
		return category
	}
	return appName
}
