package auditlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCSVSinkPublishReadQueryNoSecurity(t *testing.T) {
	sink := NewCSVSink()
	if err := sink.Configure(SinkConfig{LogDirectory: t.TempDir()}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	schema := testSchema()
	if err := sink.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		ev, err := NewEvent(map[string]any{
			"_id": id, "timestamp": "t", "transactionId": "txn-" + id,
		})
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		if _, err := sink.Publish(ctx, schema.Topic, ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	got, err := sink.Read(ctx, schema.Topic, "b")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Event.GetString("transactionId") != "txn-b" {
		t.Fatalf("Read returned wrong row: %+v", got)
	}

	if _, err := sink.Read(ctx, schema.Topic, "missing"); err == nil {
		t.Fatalf("expected NotFound for a missing id")
	}

	var matched []string
	summary, err := sink.Query(ctx, schema.Topic, Filter{}, func(r Result) bool {
		matched = append(matched, r.Event.GetString("_id"))
		return false
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if summary.Matched != 3 || len(matched) != 3 {
		t.Fatalf("expected 3 matches, got %d (%v)", summary.Matched, matched)
	}

	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCSVSinkFileContentsWithoutSecurity(t *testing.T) {
	sink := NewCSVSink()
	dir := t.TempDir()
	if err := sink.Configure(SinkConfig{LogDirectory: dir}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	schema := Schema{Topic: "access", Fields: []string{"_id", "timestamp", "transactionId"}}
	if err := sink.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"_id1", "_id2"} {
		ev, err := NewEvent(map[string]any{
			"_id": id, "timestamp": "timestamp", "transactionId": "transactionId-X",
		})
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		if _, err := sink.Publish(ctx, "access", ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "access.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := `"_id","timestamp","transactionId"
"_id1","timestamp","transactionId-X"
"_id2","timestamp","transactionId-X"
`
	if string(data) != want {
		t.Fatalf("file contents:\ngot  %q\nwant %q", data, want)
	}
}

func TestCSVSinkQueryStopsEarly(t *testing.T) {
	sink := NewCSVSink()
	dir := t.TempDir()
	if err := sink.Configure(SinkConfig{LogDirectory: dir}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	schema := testSchema()
	if err := sink.RegisterTopic(schema); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		ev, _ := NewEvent(map[string]any{"_id": id, "timestamp": "t", "transactionId": "txn"})
		if _, err := sink.Publish(ctx, schema.Topic, ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	seen := 0
	summary, err := sink.Query(ctx, schema.Topic, Filter{}, func(r Result) bool {
		seen++
		return true
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if seen != 1 || !summary.Stopped {
		t.Fatalf("expected the handler to stop after the first row, saw %d, stopped=%v", seen, summary.Stopped)
	}

	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCSVSinkPublishUnregisteredTopic(t *testing.T) {
	sink := NewCSVSink()
	if err := sink.Configure(SinkConfig{LogDirectory: t.TempDir()}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ev, _ := NewEvent(map[string]any{"_id": "1"})
	if _, err := sink.Publish(context.Background(), "nope", ev); err == nil {
		t.Fatalf("expected publishing to an unregistered topic to fail")
	}
}

func TestCSVSinkFilePath(t *testing.T) {
	sink := NewCSVSink()
	dir := t.TempDir()
	if err := sink.Configure(SinkConfig{LogDirectory: dir}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got, want := sink.path("orders"), filepath.Join(dir, "orders.csv"); got != want {
		t.Fatalf("path: got %q want %q", got, want)
	}
}
