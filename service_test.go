package auditlog

import (
	"context"
	"testing"
)

func TestServicePublishFanOutAndAutoID(t *testing.T) {
	svc := NewService(ServiceConfig{})
	// Distinct names: the service keys fan-out results by sink name.
	sinkA := &recordingSink{name: "recording-a"}
	sinkB := &recordingSink{name: "recording-b"}
	schema := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(schema, sinkA, sinkB); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	res, err := svc.Publish(context.Background(), "orders", map[string]any{"transactionId": "txn-1", "timestamp": "t"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(res.Results) != 2 || len(res.Errors) != 0 {
		t.Fatalf("expected both sinks to succeed, got %+v", res)
	}
	if len(sinkA.ids()) != 1 || len(sinkB.ids()) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
	if sinkA.published[0].GetString("_id") == "" {
		t.Fatalf("expected the service to assign an _id")
	}
}

func TestServicePublishRejectsUnknownTopic(t *testing.T) {
	svc := NewService(ServiceConfig{})
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if _, err := svc.Publish(context.Background(), "nope", map[string]any{"transactionId": "x", "timestamp": "t"}); err == nil {
		t.Fatalf("expected unknown topic to be rejected")
	}
}

func TestServicePublishRequiresTransactionID(t *testing.T) {
	svc := NewService(ServiceConfig{})
	schema := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if _, err := svc.Publish(context.Background(), "orders", map[string]any{"timestamp": "t"}); err == nil {
		t.Fatalf("expected missing transactionId to be rejected")
	}
}

func TestServicePublishRequiresTimestamp(t *testing.T) {
	svc := NewService(ServiceConfig{})
	schema := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if _, err := svc.Publish(context.Background(), "orders", map[string]any{"transactionId": "x"}); err == nil {
		t.Fatalf("expected missing timestamp to be rejected")
	}
}

func TestServiceStateGating(t *testing.T) {
	svc := NewService(ServiceConfig{})
	schema := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	if _, err := svc.Publish(context.Background(), "orders", map[string]any{"transactionId": "x", "timestamp": "t"}); err == nil {
		t.Fatalf("expected Publish before Startup to fail")
	}

	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := svc.RegisterTopic(schema); err == nil {
		t.Fatalf("expected RegisterTopic after Startup to fail")
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := svc.Publish(context.Background(), "orders", map[string]any{"transactionId": "x", "timestamp": "t"}); err == nil {
		t.Fatalf("expected Publish after Shutdown to fail")
	}
	// Shutdown is idempotent.
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestServiceNullQuerySinkWhenNoneDesignated(t *testing.T) {
	svc := NewService(ServiceConfig{})
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if _, err := svc.Read(context.Background(), "orders", "1"); err == nil {
		t.Fatalf("expected Read with no designated query sink to fail")
	}
}

func TestServiceStartupDedupesSinkSharedAcrossTopics(t *testing.T) {
	svc := NewService(ServiceConfig{})
	shared := &recordingSink{}
	orders := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	activity := Schema{Topic: "activity", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(orders, shared); err != nil {
		t.Fatalf("RegisterTopic(orders): %v", err)
	}
	if err := svc.RegisterTopic(activity, shared); err != nil {
		t.Fatalf("RegisterTopic(activity): %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if got := shared.startupCount(); got != 1 {
		t.Fatalf("expected a sink registered under two topics to be started once, got %d", got)
	}
}

func TestServiceEndToEndCSVAndSQLite(t *testing.T) {
	dir := t.TempDir()

	csv := NewCSVSink()
	if err := csv.Configure(SinkConfig{LogDirectory: dir}); err != nil {
		t.Fatalf("csv Configure: %v", err)
	}
	buffered := NewBufferingSink(csv, BufferingConfig{Enabled: true, Autoflush: false, MaxSize: 10})

	sqlite := NewSQLiteSink()
	if err := sqlite.Configure(SinkConfig{LogDirectory: dir}); err != nil {
		t.Fatalf("sqlite Configure: %v", err)
	}

	svc := NewService(ServiceConfig{})
	schema := Schema{Topic: "orders", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := svc.RegisterTopic(schema, buffered, sqlite); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	if err := svc.SetQuerySink(sqlite); err != nil {
		t.Fatalf("SetQuerySink: %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	res, err := svc.Publish(context.Background(), "orders", map[string]any{
		"_id": "ev-1", "transactionId": "txn-1", "timestamp": "t",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(res.Errors) != 0 || len(res.Results) != 2 {
		t.Fatalf("expected both sinks to accept the event, got %+v", res)
	}

	// Read goes to the designated query sink, not the chained log.
	got, err := svc.Read(context.Background(), "orders", "ev-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Event.GetString("transactionId") != "txn-1" {
		t.Fatalf("Read returned wrong row: %+v", got)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestServiceDesignatedQuerySink(t *testing.T) {
	svc := NewService(ServiceConfig{})
	qs := &recordingSink{}
	if err := svc.SetQuerySink(qs); err != nil {
		t.Fatalf("SetQuerySink: %v", err)
	}
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if _, err := svc.Read(context.Background(), "orders", "1"); err == nil {
		t.Fatalf("expected recordingSink.Read to return its fixed ErrNotSupported")
	}
}
