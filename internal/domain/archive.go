package domain

import "time"

// ForwardRecord is one archived forwarding outcome.
type ForwardRecord struct {
	OpportunityID    string
	Chain            string
	Type             string
	ProfitPercentage float64
	Stream           string
	ForwardedBy      string
	ForwardedAt      time.Time
	// Payload holds the flat wire fields as JSON, exactly as appended to the
	// execution stream.
	Payload []byte
}

// DeadLetterRecord is one archived dead-lettered opportunity.
type DeadLetterRecord struct {
	OpportunityID string
	Reason        string
	Service       string
	InstanceID    string
	TargetStream  string
	FailedAt      time.Time
	Payload       []byte
}

// ForwardArchive is an insert-only audit log of forwarding outcomes. Calls
// must not block the forwarding path: implementations enqueue and write in
// the background, shedding records when the queue is full.
type ForwardArchive interface {
	RecordForward(ForwardRecord)
	RecordDeadLetter(DeadLetterRecord)
}
