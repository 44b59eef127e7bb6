// Package ingest implements the syslog connector: UDP, TCP, and TLS
// listeners sharing one raw-message handler, and the pure parsing functions
// that decompose raw lines into a structured intermediate record.
package ingest

import (
	"fmt"
	"strings"

	"argus/core"
)

// cefPrefix classifies a raw message as Common Event Format.
const cefPrefix = "CEF:"

// ParsedMessage is the structured intermediate record produced by the
// protocol parsers, before category resolution and severity mapping.
type ParsedMessage struct {
	AppName    string
	Severity   string
	Message    string
	Extensions []core.Extension
}

// severityMap maps syslog severity keywords to the canonical scale.
// Unrecognized severities map to info.
var severityMap = map[string]core.Severity{
	"debug":   core.SeverityDebug,
	"info":    core.SeverityInfo,
	"notice":  core.SeverityInfo,
	"warning": core.SeverityWarn,
	"err":     core.SeverityError,
	"crit":    core.SeverityCritical,
}

// MapSeverity converts a parsed severity keyword to the canonical scale.
func MapSeverity(s string) core.Severity {
	if sev, ok := severityMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev
	}
	return core.SeverityInfo
}

// ParseMessage classifies a raw message as CEF or generic and parses it.
func ParseMessage(raw string) (*ParsedMessage, error) {
	if strings.HasPrefix(raw, cefPrefix) {
		return ParseCEF(raw)
	}
	return parseGeneric(raw), nil
}

// ParseCEF decomposes a CEF line into its 7 positional fields:
// version|vendor|product|signature|name|severity|extension. The extension
// field holds whitespace-separated key=value pairs.
func ParseCEF(raw string) (*ParsedMessage, error) {
	parts := strings.SplitN(raw, "|", 7)
	if len(parts) < 7 {
		return nil, &core.ParseError{
			Protocol: "cef",
			Raw:      raw,
			Err:      fmt.Errorf("expected 7 pipe-delimited fields, got %d", len(parts)),
		}
	}

	msg := &ParsedMessage{
		AppName:  parts[2],
		Severity: parts[5],
		Message:  parts[4],
	}
	for _, pair := range strings.Fields(parts[6]) {
		if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
			msg.Extensions = append(msg.Extensions, core.Extension{Key: kv[0], Value: kv[1]})
		}
	}
	return msg, nil
}

// parseGeneric passes a non-CEF line through with the whole raw line as the
// message.
func parseGeneric(raw string) *ParsedMessage {
	return &ParsedMessage{
		AppName:  "syslog",
		Severity: "info",
		Message:  raw,
	}
}
