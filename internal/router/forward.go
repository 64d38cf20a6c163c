package router

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/trace"
)

// Forward pushes one opportunity onto the execution stream, honoring the
// startup grace period, the circuit breaker and the retry budget. Exhausted
// retries land the record in the dead-letter queue; the record itself always
// stays in the working set either way.
func (r *Router) Forward(ctx context.Context, o domain.Opportunity, tc *trace.Context) {
	if r.bus == nil {
		r.log.Warn("no stream bus configured, cannot forward", "id", o.ID)
		return
	}

	nowMs := r.now().UnixMilli()
	if age := nowMs - r.createdAt.UnixMilli(); age < r.cfg.StartupGracePeriodMs {
		// Right after a restart the old leader's lease may still be live;
		// forwarding now could double-execute.
		r.log.Debug("startup grace period, forwarding deferred", "id", o.ID, "ageMs", age)
		return
	}

	if !r.brk.Allow() {
		r.addDropped(1)
		r.log.Warn("execution circuit open, opportunity dead-lettered", "id", o.ID)
		r.deadLetter(ctx, o, nil, domain.ErrBreakerOpen.Error())
		return
	}

	if o.PipelineTimestamps == nil {
		o.PipelineTimestamps = make(map[string]int64, 1)
	}
	o.PipelineTimestamps["coordinatorAt"] = nowMs

	fields := domain.EncodeStreamFields(o, nowMs)
	fields["forwardedBy"] = serviceName
	fields["forwardedAt"] = strconv.FormatInt(nowMs, 10)
	// Child span: downstream consumers see this hop as the parent. A nil tc
	// starts a fresh trace here.
	tc.Child(serviceName).Stamp(fields)

	opts := &domain.StreamAddOptions{MaxLen: r.cfg.ExecutionMaxLen, Approximate: true}
	wasOpen := r.brk.Open()

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if r.isShuttingDown() {
			r.addDropped(1)
			r.log.Warn("shutdown during forward, opportunity dropped", "id", o.ID, "attempt", attempt)
			return
		}

		_, err := r.bus.Append(ctx, r.cfg.ExecutionStream, fields, opts)
		if err == nil {
			if wasOpen {
				r.log.Info("execution forwarding recovered", "id", o.ID, "attempt", attempt)
			}
			r.brk.RecordSuccess()
			r.addExecutions(1)
			r.log.Info("opportunity forwarded",
				"id", o.ID, "type", o.Type, "chain", o.Chain,
				"profitPct", o.ProfitPercentage, "attempt", attempt)
			r.archiveForward(o, fields, nowMs)
			return
		}
		lastErr = err

		if opened := r.brk.RecordFailure(); opened {
			r.log.Error("execution circuit opened", "id", o.ID, "error", err)
			r.alert(domain.Alert{
				Type:     domain.AlertExecutionCircuitOpen,
				Severity: domain.AlertSeverityHigh,
				Message:  "execution stream unreachable, circuit opened",
				Details:  map[string]string{"opportunityId": o.ID, "error": err.Error()},
			})
			break
		}
		if r.brk.Open() {
			break
		}

		r.log.Warn("forward attempt failed", "id", o.ID, "attempt", attempt, "error", err)
		if attempt < r.cfg.MaxRetries-1 {
			delay := time.Duration(r.cfg.RetryBaseDelayMs<<attempt) * time.Millisecond
			if !r.sleep(ctx, delay) {
				continue // shutdown or cancellation; next iteration exits
			}
		}
	}

	r.addDropped(1)
	reason := "unknown error"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	r.log.Error("forwarding failed, opportunity dead-lettered", "id", o.ID, "error", lastErr)
	r.deadLetter(ctx, o, fields, reason)
	if !r.brk.Open() {
		r.alert(domain.Alert{
			Type:     domain.AlertExecutionForwardFailed,
			Severity: domain.AlertSeverityWarning,
			Message:  "opportunity could not be forwarded after retries",
			Details:  map[string]string{"opportunityId": o.ID, "error": reason},
		})
	}
}

// deadLetter records a failed forward on the DLQ stream, falling back to the
// local JSONL file when the stream itself is unreachable. fields may be nil
// when the opportunity never got serialized.
func (r *Router) deadLetter(ctx context.Context, o domain.Opportunity, fields map[string]string, reason string) {
	if fields == nil {
		fields = domain.EncodeStreamFields(o, r.now().UnixMilli())
	}
	original, err := json.Marshal(fields)
	if err != nil {
		original = []byte("{}")
	}
	failedAt := r.now()
	rec := map[string]string{
		"opportunityId": o.ID,
		"originalData":  string(original),
		"error":         reason,
		"failedAt":      strconv.FormatInt(failedAt.UnixMilli(), 10),
		"service":       serviceName,
		"instanceId":    r.cfg.InstanceID,
		"targetStream":  r.cfg.ExecutionStream,
	}

	if r.archive != nil {
		r.archive.RecordDeadLetter(domain.DeadLetterRecord{
			OpportunityID: o.ID,
			Reason:        reason,
			Service:       serviceName,
			InstanceID:    r.cfg.InstanceID,
			TargetStream:  r.cfg.ExecutionStream,
			FailedAt:      failedAt,
			Payload:       original,
		})
	}

	if r.bus != nil {
		_, err := r.bus.AppendWithLimit(ctx, r.cfg.DLQStream, rec)
		if err == nil {
			return
		}
		r.log.Error("dlq append failed, falling back to file", "id", o.ID, "error", err)
	}
	if r.dlq == nil {
		r.log.Error("dead letter lost, no fallback writer", "id", o.ID, "reason", reason)
		return
	}
	if err := r.dlq.Append(rec); err != nil {
		r.log.Error("dlq file fallback failed, dead letter lost", "id", o.ID, "error", err)
	}
}

// archiveForward hands the forwarded record to the audit archive, if one is
// wired. The archive enqueues without blocking.
func (r *Router) archiveForward(o domain.Opportunity, fields map[string]string, nowMs int64) {
	if r.archive == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	r.archive.RecordForward(domain.ForwardRecord{
		OpportunityID:    o.ID,
		Chain:            o.Chain,
		Type:             o.Type,
		ProfitPercentage: o.ProfitPercentage,
		Stream:           r.cfg.ExecutionStream,
		ForwardedBy:      serviceName,
		ForwardedAt:      time.UnixMilli(nowMs),
		Payload:          payload,
	})
}

// sleep waits d unless shutdown or ctx cancellation interrupts it, returning
// false when interrupted.
func (r *Router) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}
