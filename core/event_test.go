package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventDefaults(t *testing.T) {
	before := time.Now().UnixMilli()
	event := NewEvent("edge-syslog")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "edge-syslog", event.Engine)
	assert.Equal(t, SeverityInfo, event.Severity)
	assert.GreaterOrEqual(t, event.TimestampMillis, before)

	other := NewEvent("edge-syslog")
	assert.NotEqual(t, event.ID, other.ID)
}

func TestSeverityIsValid(t *testing.T) {
	for _, s := range []Severity{SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical} {
		assert.True(t, s.IsValid(), string(s))
	}
	assert.False(t, Severity("fatal").IsValid())
	assert.False(t, Severity("").IsValid())
}

func TestExtensionsPreserveOrder(t *testing.T) {
	event := NewEvent("test")
	event.AddExtension("src", "1.2.3.4")
	event.AddExtension("dst", "5.6.7.8")
	event.AddExtension("src", "9.9.9.9")

	require.Len(t, event.Extensions, 3)
	assert.Equal(t, "src", event.Extensions[0].Key)
	assert.Equal(t, "dst", event.Extensions[1].Key)

	// Lookup returns the first occurrence of a repeated key.
	v, ok := event.Extension("src")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", v)

	_, ok = event.Extension("missing")
	assert.False(t, ok)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.Create(NewEvent("a")))

	err := sink.Create(NewEvent("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSinkFull)
}
