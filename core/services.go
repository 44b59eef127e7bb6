package core

import "errors"

// EventSink receives every normalized event produced by the connectors.
// Create failures may be logged by the caller but must not abort ingestion.
type EventSink interface {
	Create(event *NormalizedEvent) error
}

// ChannelSink delivers events to a channel. Used by tests and by hosts that
// forward events in-process. Delivery is non-blocking: a full channel drops
// the event rather than stalling a listener.
type ChannelSink struct {
	Ch chan *NormalizedEvent
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{Ch: make(chan *NormalizedEvent, buffer)}
}

// Create implements EventSink.
func (s *ChannelSink) Create(event *NormalizedEvent) error {
	select {
	case s.Ch <- event:
		return nil
	default:
		return &TransportError{Op: "sink create", Err: ErrSinkFull}
	}
}

// ErrSinkFull is returned by ChannelSink when its buffer is exhausted.
var ErrSinkFull = errors.New("event sink buffer full")
