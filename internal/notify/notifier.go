// Package notify delivers operational alerts to Telegram and Discord.
// Alerts are fanned out to every configured sender and can be filtered by
// event key so operators receive only what they subscribed to.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/arbnet/coordinator/internal/domain"
)

// Event keys operators can filter on in config.
const (
	EventCircuitOpen       = "circuit_open"
	EventForwardFailed     = "forward_failed"
	EventPublisherDisabled = "publisher_disabled"
)

// Notification is one formatted alert bound for a channel.
type Notification struct {
	Title    string
	Message  string
	Severity domain.AlertSeverity
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier dispatches alerts to one or more senders, filtered by event key.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	log     *slog.Logger
}

// NewNotifier creates a notifier over the given senders. Only alerts whose
// event key appears in events are forwarded; an empty list admits all.
func NewNotifier(senders []Sender, events []string, log *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		log:     log.With(slog.String("component", "notifier")),
	}
}

// NotifyAlert formats and dispatches an operational alert. Filtered alerts
// return nil without touching any sender.
func (n *Notifier) NotifyAlert(ctx context.Context, a domain.Alert) error {
	event := eventKey(a.Type)
	if len(n.events) > 0 && !n.events[event] {
		n.log.DebugContext(ctx, "alert filtered out",
			slog.String("event", event),
			slog.String("type", a.Type),
		)
		return nil
	}

	return n.dispatch(ctx, format(a))
}

// Announce sends an unconditional informational message, bypassing the event
// filter. Used for lifecycle notices like startup and shutdown.
func (n *Notifier) Announce(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, Notification{
		Title:    title,
		Message:  message,
		Severity: domain.AlertSeverityInfo,
	})
}

// dispatch fans the notification out to every sender. One sender failing
// does not stop delivery to the rest; failures come back as one combined
// error.
func (n *Notifier) dispatch(ctx context.Context, msg Notification) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.log.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.log.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", msg.Title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// eventKey maps alert types from the forwarding and publishing paths to the
// keys operators filter on.
func eventKey(alertType string) string {
	switch alertType {
	case domain.AlertExecutionCircuitOpen:
		return EventCircuitOpen
	case domain.AlertExecutionForwardFailed:
		return EventForwardFailed
	case domain.AlertPublisherDisabled:
		return EventPublisherDisabled
	default:
		return strings.ToLower(alertType)
	}
}

func format(a domain.Alert) Notification {
	return Notification{
		Title:    fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), alertTitle(a.Type)),
		Message:  alertBody(a),
		Severity: a.Severity,
	}
}

func alertTitle(alertType string) string {
	switch alertType {
	case domain.AlertExecutionCircuitOpen:
		return "Execution circuit open"
	case domain.AlertExecutionForwardFailed:
		return "Forward to execution failed"
	case domain.AlertPublisherDisabled:
		return "Opportunity publisher disabled"
	default:
		return alertType
	}
}

// alertBody renders the message plus detail lines, keys sorted so repeated
// alerts read identically.
func alertBody(a domain.Alert) string {
	if len(a.Details) == 0 {
		return a.Message
	}

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Message)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(a.Details[k])
	}
	return b.String()
}
