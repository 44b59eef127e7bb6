// Package agent implements the authenticated bidirectional streaming
// connector for endpoint agents, with a local write-ahead buffer that
// decouples ingestion from sink delivery.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"

	"argus/core"

	"github.com/vmihailenco/msgpack/v5"
)

// sentinelCategory is assigned when an agent payload carries no category.
const sentinelCategory = "endpoint"

// Payload is the narrow, explicitly validated record an agent event is
// decoded into before merging into a NormalizedEvent. Arbitrary agent fields
// land in Fields and become extensions; they can never shadow the
// connector-assigned engine or timestamp.
type Payload struct {
	ID       string            `json:"id" msgpack:"id"`
	Severity string            `json:"severity" msgpack:"severity"`
	Category string            `json:"category" msgpack:"category"`
	Host     string            `json:"host" msgpack:"host"`
	Message  string            `json:"message" msgpack:"message"`
	Fields   map[string]string `json:"fields" msgpack:"fields"`
}

// Payload encodings accepted on the stream.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// DecodePayload decodes a raw agent message in the given encoding.
func DecodePayload(data []byte, encoding string) (*Payload, error) {
	var p Payload
	switch encoding {
	case EncodingJSON:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &core.ParseError{Protocol: "agent", Raw: string(data), Err: err}
		}
	case EncodingMsgpack:
		if err := msgpack.Unmarshal(data, &p); err != nil {
			return nil, &core.ParseError{Protocol: "agent", Err: err}
		}
	default:
		return nil, &core.ParseError{Protocol: "agent", Err: fmt.Errorf("unsupported encoding %q", encoding)}
	}
	return &p, nil
}

// reservedFields are connector-assigned and silently dropped from payload
// fields during the merge.
var reservedFields = map[string]struct{}{
	"engine":           {},
	"timestamp":        {},
	"timestamp_millis": {},
}

// ToEvent maps the payload into a NormalizedEvent for the given agent and
// engine. The connector assigns engine and timestamp; an absent id is
// generated, severity defaults to info, and category defaults to the
// sentinel endpoint category. Payload fields merge in as extensions in
// deterministic (sorted) order.
func (p *Payload) ToEvent(engine, agentID string) *core.NormalizedEvent {
	event := core.NewEvent(engine)
	event.AgentID = agentID

	if p.ID != "" {
		event.ID = p.ID
	}
	if sev := core.Severity(p.Severity); sev.IsValid() {
		event.Severity = sev
	}
	event.Category = p.Category
	if event.Category == "" {
		event.Category = sentinelCategory
	}
	event.Host = p.Host
	event.Message = p.Message

	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		event.AddExtension(k, p.Fields[k])
	}
	return event
}
