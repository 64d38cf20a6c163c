// Package trace carries lightweight trace context across Redis streams.
// Context rides as flat _trace_* fields next to the payload, so every hop in
// the pipeline can stitch spans together without a tracing backend.
package trace

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flat-map field names shared by every service on the pipeline.
const (
	FieldTraceID      = "_trace_traceId"
	FieldSpanID       = "_trace_spanId"
	FieldParentSpanID = "_trace_parentSpanId"
	FieldServiceName  = "_trace_serviceName"
	FieldTimestamp    = "_trace_timestamp"
)

// Context identifies one span within a pipeline trace.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Service      string
	Timestamp    int64 // unix ms
}

// New starts a fresh trace rooted at service.
func New(service string) *Context {
	return &Context{
		TraceID:   newID(),
		SpanID:    newID(),
		Service:   service,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Child derives the next hop: same trace, new span, this span as parent.
func (c *Context) Child(service string) *Context {
	if c == nil {
		return New(service)
	}
	return &Context{
		TraceID:      c.TraceID,
		SpanID:       newID(),
		ParentSpanID: c.SpanID,
		Service:      service,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// FromFields recovers the context from a stream entry. Returns nil when the
// entry carries no trace id, which callers treat as "start a new trace".
func FromFields(fields map[string]string) *Context {
	traceID := fields[FieldTraceID]
	if traceID == "" {
		return nil
	}
	c := &Context{
		TraceID:      traceID,
		SpanID:       fields[FieldSpanID],
		ParentSpanID: fields[FieldParentSpanID],
		Service:      fields[FieldServiceName],
	}
	if ts, err := strconv.ParseInt(fields[FieldTimestamp], 10, 64); err == nil {
		c.Timestamp = ts
	}
	return c
}

// Stamp writes the context into a flat map bound for XADD. ParentSpanID is
// omitted when absent rather than written empty.
func (c *Context) Stamp(fields map[string]string) {
	if c == nil {
		return
	}
	fields[FieldTraceID] = c.TraceID
	fields[FieldSpanID] = c.SpanID
	if c.ParentSpanID != "" {
		fields[FieldParentSpanID] = c.ParentSpanID
	}
	fields[FieldServiceName] = c.Service
	fields[FieldTimestamp] = strconv.FormatInt(c.Timestamp, 10)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
