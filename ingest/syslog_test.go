package ingest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"argus/config"
	"argus/connector"
	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSyslog(t *testing.T, sink core.EventSink) *SyslogConnector {
	t.Helper()
	return NewSyslogConnector("edge-syslog", sink, nil, 100, zap.NewNop().Sugar())
}

func initTestSyslog(t *testing.T, s *SyslogConnector, syslogCfg *config.SyslogConfig) {
	t.Helper()
	require.NoError(t, s.Init(config.ConnectorConfig{
		Name:   "edge-syslog",
		Type:   config.ConnectorTypeSyslog,
		Syslog: syslogCfg,
	}))
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestSyslogInitRequiresConfig(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))

	err := s.Init(config.ConnectorConfig{})
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, connector.StateUninitialized, s.State())
}

func TestSyslogInitRejectsWrongType(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))

	err := s.Init(config.ConnectorConfig{Name: "edge-syslog", Type: config.ConnectorTypeAgent})
	var cfgErr *core.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestSyslogStartBeforeInit(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))

	err := s.Start()
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Nil(t, s.udpConn)
}

func TestSyslogStopBeforeStartIsNoOp(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))
	assert.NoError(t, s.Stop())
}

func TestSyslogUDPEndToEnd(t *testing.T) {
	sink := core.NewChannelSink(16)
	s := newTestSyslog(t, sink)
	port := freePort(t)
	initTestSyslog(t, s, &config.SyslogConfig{
		Host:       "127.0.0.1",
		UDPPort:    port,
		Categories: map[string]string{"Firewall": "network"},
	})
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	conn, err := net.Dial("udp", s.udpConn.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CEF:0|Acme|Firewall|1|Blocked Connection|warning|src=1.2.3.4 dst=5.6.7.8\n"))
	require.NoError(t, err)

	select {
	case event := <-sink.Ch:
		assert.Equal(t, "edge-syslog", event.Engine)
		assert.Equal(t, core.SeverityWarn, event.Severity)
		assert.Equal(t, "network", event.Category)
		assert.Equal(t, "Blocked Connection", event.Message)
		src, ok := event.Extension("src")
		require.True(t, ok)
		assert.Equal(t, "1.2.3.4", src)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ingested event")
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// selfSignedPair writes a throwaway cert and key for 127.0.0.1 into dir and
// returns their paths.
func selfSignedPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "edge-syslog"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

// receiveMessages drains count events from the sink, preserving arrival order.
func receiveMessages(t *testing.T, sink *core.ChannelSink, count int) []string {
	t.Helper()
	messages := make([]string, 0, count)
	for len(messages) < count {
		select {
		case event := <-sink.Ch:
			messages = append(messages, event.Message)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(messages), count)
		}
	}
	return messages
}

func TestSyslogTCPEndToEnd(t *testing.T) {
	sink := core.NewChannelSink(16)
	s := newTestSyslog(t, sink)
	initTestSyslog(t, s, &config.SyslogConfig{
		Host:    "127.0.0.1",
		UDPPort: freePort(t),
		TCPPort: freeTCPPort(t),
	})
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	conn, err := net.Dial("tcp", s.tcpListener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Three newline-framed messages on one connection arrive in order.
	_, err = conn.Write([]byte(
		"CEF:0|Acme|Firewall|1|First|info|src=1.1.1.1\n" +
			"CEF:0|Acme|Firewall|1|Second|warning|src=2.2.2.2\n" +
			"CEF:0|Acme|Firewall|1|Third|err|src=3.3.3.3\n"))
	require.NoError(t, err)

	messages := receiveMessages(t, sink, 3)
	assert.Equal(t, []string{"First", "Second", "Third"}, messages)
}

func TestSyslogTLSEndToEnd(t *testing.T) {
	certFile, keyFile := selfSignedPair(t, t.TempDir())
	sink := core.NewChannelSink(16)
	s := newTestSyslog(t, sink)
	initTestSyslog(t, s, &config.SyslogConfig{
		Host:     "127.0.0.1",
		UDPPort:  freePort(t),
		TLSPort:  freeTCPPort(t),
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	conn, err := tls.Dial("tcp", s.tlsListener.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CEF:0|Acme|Firewall|1|Encrypted Hello|crit|dst=9.9.9.9\n"))
	require.NoError(t, err)

	select {
	case event := <-sink.Ch:
		assert.Equal(t, core.SeverityCritical, event.Severity)
		assert.Equal(t, "Encrypted Hello", event.Message)
		dst, ok := event.Extension("dst")
		require.True(t, ok)
		assert.Equal(t, "9.9.9.9", dst)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for TLS-ingested event")
	}
}

func TestSyslogTLSInitRejectsMissingKeyPair(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))
	err := s.Init(config.ConnectorConfig{
		Name: "edge-syslog",
		Type: config.ConnectorTypeSyslog,
		Syslog: &config.SyslogConfig{
			Host:     "127.0.0.1",
			UDPPort:  514,
			TLSPort:  6514,
			CertFile: "/nonexistent/cert.pem",
			KeyFile:  "/nonexistent/key.pem",
		},
	})
	var cfgErr *core.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "cert_file/key_file", cfgErr.Field)
}

func TestSyslogStopIdempotent(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))
	initTestSyslog(t, s, &config.SyslogConfig{Host: "127.0.0.1", UDPPort: freePort(t)})
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, connector.StateStopped, s.State())
}

func TestHandleRawGeneric(t *testing.T) {
	sink := core.NewChannelSink(1)
	s := newTestSyslog(t, sink)
	initTestSyslog(t, s, &config.SyslogConfig{Host: "127.0.0.1", UDPPort: 514})

	s.handleRaw("<34>Oct 11 22:14:15 host su: auth failure", "10.0.0.9:40000")

	event := <-sink.Ch
	assert.Equal(t, "10.0.0.9:40000", event.AgentID)
	assert.Equal(t, core.SeverityInfo, event.Severity)
	assert.Equal(t, "syslog", event.Category)
}

func TestHandleRawParseFailureDropsMessage(t *testing.T) {
	sink := core.NewChannelSink(1)
	s := newTestSyslog(t, sink)
	initTestSyslog(t, s, &config.SyslogConfig{Host: "127.0.0.1", UDPPort: 514})

	s.handleRaw("CEF:0|Acme|Firewall|1|truncated", "10.0.0.9:40000")
	assert.Empty(t, sink.Ch)
}

func TestResolveCategoryFallback(t *testing.T) {
	s := newTestSyslog(t, core.NewChannelSink(1))
	initTestSyslog(t, s, &config.SyslogConfig{
		Host: "127.0.0.1", UDPPort: 514,
		Categories: map[string]string{"sshd": "auth"},
	})

	assert.Equal(t, "auth", s.resolveCategory("sshd"))
	assert.Equal(t, "nginx", s.resolveCategory("nginx"))
}
