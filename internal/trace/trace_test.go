package trace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/trace"
)

func TestStampAndRecover(t *testing.T) {
	root := trace.New("detector")
	fields := map[string]string{"id": "opp-1"}
	root.Stamp(fields)

	got := trace.FromFields(fields)
	require.NotNil(t, got)
	assert.Equal(t, root.TraceID, got.TraceID)
	assert.Equal(t, root.SpanID, got.SpanID)
	assert.Equal(t, "detector", got.Service)
	assert.Equal(t, root.Timestamp, got.Timestamp)

	// Root spans carry no parent field at all.
	_, present := fields[trace.FieldParentSpanID]
	assert.False(t, present)
}

func TestChildLinksSpans(t *testing.T) {
	root := trace.New("detector")
	hop := root.Child("coordinator")

	assert.Equal(t, root.TraceID, hop.TraceID)
	assert.Equal(t, root.SpanID, hop.ParentSpanID)
	assert.NotEqual(t, root.SpanID, hop.SpanID)
	assert.Equal(t, "coordinator", hop.Service)

	fields := map[string]string{}
	hop.Stamp(fields)
	assert.Equal(t, root.SpanID, fields[trace.FieldParentSpanID])
}

func TestFromFieldsMissing(t *testing.T) {
	assert.Nil(t, trace.FromFields(map[string]string{"id": "x"}))

	// A nil context still derives a usable child.
	var none *trace.Context
	hop := none.Child("coordinator")
	require.NotNil(t, hop)
	assert.NotEmpty(t, hop.TraceID)
	assert.Empty(t, hop.ParentSpanID)
}
