// Package auditlog accepts structured event records, fans them out to
// pluggable sinks, and maintains a tamper-evident append-only CSV log
// that an offline verifier can validate.
package auditlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ServiceState is the audit service's lifecycle state. Publish, Read and
// Query are legal only in RUNNING; RegisterTopic, SetQuerySink and
// Startup only in STARTING; Shutdown in any state.
type ServiceState int32

const (
	StateStarting ServiceState = iota
	StateRunning
	StateShutdown
)

func (s ServiceState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "STARTING"
	}
}

// FanOutResult aggregates every registered sink's outcome for one
// publish call, keyed by sink name. A caller that only cares about
// failures can check len(Errors) == 0; one that needs per-sink detail
// has it.
type FanOutResult struct {
	Results map[string]Result
	Errors  map[string]error
}

// topicRegistration is one topic's schema plus the sinks fanned out to
// it. Built before Startup and never mutated after, so Publish reads it
// without holding the write lock.
type topicRegistration struct {
	schema Schema
	sinks  []Sink
	down   map[string]bool // sinks whose Startup failed; skipped in fan-out
}

// ServiceConfig configures a new Audit Service.
type ServiceConfig struct {
	Logger      *zap.Logger
	IDGenerator IDGenerator
}

// Service validates and stamps incoming events, fans them out to every
// sink registered for their topic, and delegates Read/Query to a single
// designated query sink. Per-sink failures are logged and reported per
// sink; they never abort fan-out of the same event to the others.
type Service struct {
	mu sync.RWMutex

	state atomic.Int32

	topics    map[string]*topicRegistration
	querySink Sink

	idGen  IDGenerator
	logger *zap.Logger
}

// NewService constructs a Service in the STARTING state.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = NewUUIDGenerator()
	}
	return &Service{
		topics: make(map[string]*topicRegistration),
		idGen:  cfg.IDGenerator,
		logger: cfg.Logger,
	}
}

// State returns the service's current lifecycle state.
func (s *Service) State() ServiceState { return ServiceState(s.state.Load()) }

// RegisterTopic binds a topic's schema and the sinks it fans out to.
// Valid only before Startup.
func (s *Service) RegisterTopic(schema Schema, sinks ...Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStarting {
		return newErr(CodeUnavailable, "Service.RegisterTopic", fmt.Errorf("topics can only be registered before startup"))
	}
	if schema.Topic == "" {
		return newErr(CodeBadRequest, "Service.RegisterTopic", fmt.Errorf("topic required"))
	}
	s.topics[schema.Topic] = &topicRegistration{
		schema: schema,
		sinks:  append([]Sink(nil), sinks...),
		down:   make(map[string]bool),
	}
	return nil
}

// SetQuerySink designates the sink that Read/Query delegate to. Valid
// only before Startup.
func (s *Service) SetQuerySink(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateStarting {
		return newErr(CodeUnavailable, "Service.SetQuerySink", fmt.Errorf("query sink can only be set before startup"))
	}
	s.querySink = sink
	return nil
}

// Startup passes each topic's schema to the sinks that accept one and
// starts every registered sink, moving the service from STARTING to
// RUNNING. It does not call Configure; sinks are configured beforehand
// by their owner. A sink whose Startup fails is logged
// and excluded from future fan-out rather than aborting the whole
// service.
func (s *Service) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStarting {
		return newErr(CodeUnavailable, "Service.Startup", fmt.Errorf("service already started"))
	}

	for topic, reg := range s.topics {
		for _, sink := range reg.sinks {
			if cs, ok := sink.(interface{ RegisterTopic(Schema) error }); ok {
				if err := cs.RegisterTopic(reg.schema); err != nil {
					s.logger.Warn("sink topic registration failed",
						zap.String("topic", topic), zap.String("sink", sink.Name()), zap.Error(err))
				}
			}
		}
	}

	// Startup is called once per sink, not once per (topic, sink)
	// pairing: a sink registered under several topics must not be
	// started twice.
	seen := make(map[string]bool)
	failed := make(map[string]bool)
	for _, reg := range s.topics {
		for _, sink := range reg.sinks {
			if seen[sink.Name()] {
				continue
			}
			seen[sink.Name()] = true
			if err := sink.Startup(ctx); err != nil {
				s.logger.Error("sink startup failed", zap.String("sink", sink.Name()), zap.Error(err))
				failed[sink.Name()] = true
			}
		}
	}
	for _, reg := range s.topics {
		for _, sink := range reg.sinks {
			if failed[sink.Name()] {
				reg.down[sink.Name()] = true
			}
		}
	}

	if s.querySink == nil {
		s.querySink = nullSink{}
	}

	s.state.Store(int32(StateRunning))
	return nil
}

// Shutdown stops every sink and moves the service to SHUTDOWN. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateShutdown {
		return nil
	}

	var firstErr error
	seen := make(map[string]bool)
	for _, reg := range s.topics {
		for _, sink := range reg.sinks {
			if seen[sink.Name()] {
				continue
			}
			seen[sink.Name()] = true
			if err := sink.Shutdown(ctx); err != nil {
				s.logger.Error("sink shutdown failed", zap.String("sink", sink.Name()), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	s.state.Store(int32(StateShutdown))
	return firstErr
}

// Publish validates fields, assigns an _id if absent, and fans ev out to
// every sink registered for topic, aggregating each sink's result.
func (s *Service) Publish(ctx context.Context, topic string, fields map[string]any) (FanOutResult, error) {
	if s.State() != StateRunning {
		return FanOutResult{}, newErr(CodeUnavailable, "Service.Publish", fmt.Errorf("service is %s, not RUNNING", s.State()))
	}

	if _, ok := fields["transactionId"]; !ok {
		return FanOutResult{}, newErr(CodeBadRequest, "Service.Publish", fmt.Errorf("transactionId is required"))
	}
	if _, ok := fields["timestamp"]; !ok {
		return FanOutResult{}, newErr(CodeBadRequest, "Service.Publish", fmt.Errorf("timestamp is required"))
	}
	if _, ok := fields["_id"]; !ok {
		fields["_id"] = s.idGen()
	}

	s.mu.RLock()
	reg, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		return FanOutResult{}, newErr(CodeNotSupported, "Service.Publish", fmt.Errorf("unknown topic %q", topic))
	}

	ev, err := NewEvent(fields)
	if err != nil {
		return FanOutResult{}, err
	}

	out := FanOutResult{Results: make(map[string]Result), Errors: make(map[string]error)}
	for _, sink := range reg.sinks {
		if reg.down[sink.Name()] {
			continue
		}
		res, err := sink.Publish(ctx, topic, ev)
		if err != nil {
			s.logger.Warn("sink publish failed",
				zap.String("topic", topic), zap.String("sink", sink.Name()), zap.Error(err))
			out.Errors[sink.Name()] = err
			continue
		}
		out.Results[sink.Name()] = res
	}
	return out, nil
}

// Read delegates to the designated query sink.
func (s *Service) Read(ctx context.Context, topic, id string) (Result, error) {
	if s.State() != StateRunning {
		return Result{}, newErr(CodeUnavailable, "Service.Read", fmt.Errorf("service is %s, not RUNNING", s.State()))
	}
	s.mu.RLock()
	qs := s.querySink
	s.mu.RUnlock()
	return qs.Read(ctx, topic, id)
}

// Query delegates to the designated query sink.
func (s *Service) Query(ctx context.Context, topic string, filter Filter, handler QueryHandler) (Summary, error) {
	if s.State() != StateRunning {
		return Summary{}, newErr(CodeUnavailable, "Service.Query", fmt.Errorf("service is %s, not RUNNING", s.State()))
	}
	s.mu.RLock()
	qs := s.querySink
	s.mu.RUnlock()
	return qs.Query(ctx, topic, filter, handler)
}

// nullSink is substituted as the query sink when none is designated, so
// Read/Query fail with a clear NotSupported rather than a nil dereference.
type nullSink struct{}

func (nullSink) Name() string                   { return "null" }
func (nullSink) Configure(SinkConfig) error     { return nil }
func (nullSink) Startup(context.Context) error  { return nil }
func (nullSink) Shutdown(context.Context) error { return nil }
func (nullSink) Publish(context.Context, string, Event) (Result, error) {
	return Result{}, newErr(CodeNotSupported, "nullSink.Publish", fmt.Errorf("no query sink designated"))
}
func (nullSink) Read(context.Context, string, string) (Result, error) {
	return Result{}, newErr(CodeNotSupported, "nullSink.Read", fmt.Errorf("no query sink designated"))
}
func (nullSink) Query(context.Context, string, Filter, QueryHandler) (Summary, error) {
	return Summary{}, newErr(CodeNotSupported, "nullSink.Query", fmt.Errorf("no query sink designated"))
}
