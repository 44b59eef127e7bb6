package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Connector type discriminators used in the connectors document.
const (
	ConnectorTypeSyslog  = "syslog"
	ConnectorTypeAgent   = "agent"
	ConnectorTypePolling = "polling"
)

// SyslogConfig configures the syslog connector's three transports. UDPPort is
// required; TCP and TLS listeners are enabled by their respective ports.
type SyslogConfig struct {
	Host     string            `yaml:"host"`
	UDPPort  int               `yaml:"udp_port" validate:"required,min=1,max=65535"`
	TCPPort  int               `yaml:"tcp_port" validate:"omitempty,min=1,max=65535"`
	TLSPort  int               `yaml:"tls_port" validate:"omitempty,min=1,max=65535"`
	CertFile string            `yaml:"cert_file" validate:"required_with=TLSPort"`
	KeyFile  string            `yaml:"key_file" validate:"required_with=TLSPort"`
	// Categories maps a parsed application name to an event category.
	Categories map[string]string `yaml:"categories"`
}

// AgentConfig configures the streaming agent connector.
type AgentConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port" validate:"required,min=1,max=65535"`
	AuthSecret string `yaml:"auth_secret" validate:"required"`
	BufferPath string `yaml:"buffer_path" validate:"required"`
}

// FieldMapping describes how a polling connector's raw response body is
// transformed into normalized events. ItemsKey selects the array of records
// in the response; the remaining fields name the source keys for each
// canonical event field. Unmapped record keys become extensions.
type FieldMapping struct {
	ItemsKey     string `yaml:"items_key"`
	AgentIDKey   string `yaml:"agent_id_key"`
	SeverityKey  string `yaml:"severity_key"`
	CategoryKey  string `yaml:"category_key"`
	HostKey      string `yaml:"host_key"`
	MessageKey   string `yaml:"message_key"`
	TimestampKey string `yaml:"timestamp_key"`
}

// PollingConfig configures a scheduled OAuth2-authenticated polling connector.
// ClientSecret is stored encrypted and decrypted through the credential store
// at token-exchange time.
type PollingConfig struct {
	Endpoint     string        `yaml:"endpoint" validate:"required,url"`
	TokenURL     string        `yaml:"token_url" validate:"required,url"`
	ClientID     string        `yaml:"client_id" validate:"required"`
	ClientSecret string        `yaml:"client_secret" validate:"required"`
	Scopes       []string      `yaml:"scopes"`
	Interval     time.Duration `yaml:"interval" validate:"required"`
	Mapping      FieldMapping  `yaml:"mapping"`
}

// ConnectorConfig is the polymorphic configuration for one connector
// instance. Exactly one of the typed sections is consulted, selected by Type.
// The zero value is the "empty configuration" handed to connectors without a
// matching entry; connectors validate their own required fields at init.
type ConnectorConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Syslog  *SyslogConfig  `yaml:"syslog,omitempty"`
	Agent   *AgentConfig   `yaml:"agent,omitempty"`
	Polling *PollingConfig `yaml:"polling,omitempty"`
}

// IsEmpty reports whether this is the empty configuration.
func (c ConnectorConfig) IsEmpty() bool {
	return c.Type == "" && c.Syslog == nil && c.Agent == nil && c.Polling == nil
}

type connectorsDocument struct {
	Connectors []ConnectorConfig `yaml:"connectors"`
}

var validate = validator.New()

// Validate checks the section matching the connector type. A missing section
// or failed field constraint is reported so init can fail fast.
func (c ConnectorConfig) Validate() error {
	switch c.Type {
	case ConnectorTypeSyslog:
		if c.Syslog == nil {
			return fmt.Errorf("connector %s: missing syslog section", c.Name)
		}
		if err := validate.Struct(c.Syslog); err != nil {
			return fmt.Errorf("connector %s: %w", c.Name, err)
		}
	case ConnectorTypeAgent:
		if c.Agent == nil {
			return fmt.Errorf("connector %s: missing agent section", c.Name)
		}
		if err := validate.Struct(c.Agent); err != nil {
			return fmt.Errorf("connector %s: %w", c.Name, err)
		}
	case ConnectorTypePolling:
		if c.Polling == nil {
			return fmt.Errorf("connector %s: missing polling section", c.Name)
		}
		if err := validate.Struct(c.Polling); err != nil {
			return fmt.Errorf("connector %s: %w", c.Name, err)
		}
	default:
		return fmt.Errorf("connector %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}

// LoadConnectors parses the connectors YAML document and returns the configs
// keyed by connector name. Section validation is deferred to each connector's
// init so one bad entry does not prevent loading the others.
func LoadConnectors(path string) (map[string]ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connectors file %s: %w", path, err)
	}

	var doc connectorsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse connectors file %s: %w", path, err)
	}

	configs := make(map[string]ConnectorConfig, len(doc.Connectors))
	for _, c := range doc.Connectors {
		if c.Name == "" {
			return nil, fmt.Errorf("connectors file %s: entry with empty name", path)
		}
		if _, dup := configs[c.Name]; dup {
			return nil, fmt.Errorf("connectors file %s: duplicate connector name %q", path, c.Name)
		}
		configs[c.Name] = c
	}
	return configs, nil
}
