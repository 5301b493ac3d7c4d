package auditlog

import "context"

// SinkConfig carries a sink instance's configuration. LogDirectory and
// SecurityEnabled matter to the CSV sink; SignatureInterval and
// MACAlgorithm only matter when security is enabled.
type SinkConfig struct {
	LogDirectory      string
	SecurityEnabled   bool
	SignatureInterval int64 // nanoseconds, wire-friendly
	MACAlgorithm      string
	SignerAlias       string
	KeyStore          *KeyStore
	Scheduler         Scheduler
}

// Result is what a sink returns from Publish/Read, and what it feeds
// through a QueryHandler during Query.
type Result struct {
	Topic string
	Event Event
}

// Filter narrows a Query to rows whose transactionId matches
// TransactionID. An empty TransactionID is a wildcard.
type Filter struct {
	TransactionID string
}

// QueryHandler is invoked once per matching row during Query; returning
// stop == true ends the scan early.
type QueryHandler func(Result) (stop bool)

// Summary reports how a Query scan concluded.
type Summary struct {
	Matched int
	Stopped bool
}

// Sink is the pluggable destination contract. Every destination an event
// can be routed to (the tamper-evident CSV log, the buffering decorator,
// the SQLite query sink) implements it uniformly, so the audit service
// fans out without knowing what is behind each registration.
type Sink interface {
	Name() string
	Configure(cfg SinkConfig) error
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Publish(ctx context.Context, topic string, ev Event) (Result, error)
	Read(ctx context.Context, topic, id string) (Result, error)
	Query(ctx context.Context, topic string, filter Filter, handler QueryHandler) (Summary, error)
}
