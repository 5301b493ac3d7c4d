package auditlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CSVSink is the tamper-evident log sink: one append-only, MAC-chained
// CSV file per topic under LogDirectory, created lazily on first
// publish. Read and Query are linear scans over the file; workloads that
// need indexed lookups should designate the SQLite sink as the query
// sink instead.
type CSVSink struct {
	mu sync.Mutex

	dir          string
	security     bool
	sigInterval  time.Duration
	macAlgorithm string
	signerAlias  string
	keystore     *KeyStore
	scheduler    Scheduler

	mac     *MACEngine
	schemas map[string]Schema
	writers map[string]*Writer
}

// NewCSVSink constructs an unconfigured sink; Configure must be called
// before Startup.
func NewCSVSink() *CSVSink {
	return &CSVSink{
		schemas: make(map[string]Schema),
		writers: make(map[string]*Writer),
	}
}

func (s *CSVSink) Name() string { return "csv" }

// Configure records the sink-wide settings: log directory, security
// toggle, signature interval, MAC algorithm, signer alias.
func (s *CSVSink) Configure(cfg SinkConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.LogDirectory == "" {
		return newErr(CodeBadRequest, "CSVSink.Configure", fmt.Errorf("log directory required"))
	}
	s.dir = cfg.LogDirectory
	s.security = cfg.SecurityEnabled
	s.sigInterval = time.Duration(cfg.SignatureInterval)
	if s.sigInterval <= 0 {
		s.sigInterval = 5 * time.Minute
	}
	s.macAlgorithm = cfg.MACAlgorithm
	s.signerAlias = cfg.SignerAlias
	s.keystore = cfg.KeyStore
	s.scheduler = cfg.Scheduler
	if s.scheduler == nil {
		s.scheduler = NewScheduler()
	}

	if s.security {
		mac, err := NewMACEngine(s.macAlgorithm)
		if err != nil {
			return err
		}
		s.mac = mac
		if s.keystore == nil {
			return newErr(CodeBadRequest, "CSVSink.Configure", fmt.Errorf("key store required when security is enabled"))
		}
	}

	return os.MkdirAll(s.dir, 0700)
}

// RegisterTopic binds a topic's schema. Must be called before the first
// Publish to that topic (normally during the Audit Service's startup).
func (s *CSVSink) RegisterTopic(schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema.Topic == "" {
		return newErr(CodeBadRequest, "CSVSink.RegisterTopic", fmt.Errorf("topic required"))
	}
	s.schemas[schema.Topic] = schema
	return nil
}

func (s *CSVSink) Startup(ctx context.Context) error { return nil }

// Shutdown closes every topic's writer, emitting its final signature row.
func (s *CSVSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	writers := make([]*Writer, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *CSVSink) path(topic string) string {
	return filepath.Join(s.dir, topic+".csv")
}

// writerFor returns the topic's Writer, creating it (and the file) on
// first use.
func (s *CSVSink) writerFor(topic string) (*Writer, Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, ok := s.schemas[topic]
	if !ok {
		return nil, Schema{}, newErr(CodeNotSupported, "CSVSink.writerFor", fmt.Errorf("topic %q not registered", topic))
	}
	if w, ok := s.writers[topic]; ok {
		return w, schema, nil
	}

	w, err := NewWriter(WriterConfig{
		Path:              s.path(topic),
		Schema:            schema,
		KeyStore:          s.keystore,
		MACEngine:         s.mac,
		SecurityEnabled:   s.security,
		SignatureInterval: s.sigInterval,
		Scheduler:         s.scheduler,
		SignerAlias:       s.signerAlias,
	})
	if err != nil {
		return nil, Schema{}, err
	}
	s.writers[topic] = w
	return w, schema, nil
}

// Publish appends ev to topic's log.
func (s *CSVSink) Publish(ctx context.Context, topic string, ev Event) (Result, error) {
	w, _, err := s.writerFor(topic)
	if err != nil {
		return Result{}, err
	}
	if err := w.Write(ev); err != nil {
		return Result{}, err
	}
	return Result{Topic: topic, Event: ev}, nil
}

// Read linear-scans topic's file for the row whose "_id" field equals id.
func (s *CSVSink) Read(ctx context.Context, topic, id string) (Result, error) {
	var found Result
	matched := false
	_, err := s.query(topic, func(r Result) (bool, bool) {
		if r.Event.GetString("_id") == id {
			found = r
			matched = true
			return true, true
		}
		return false, false
	})
	if err != nil {
		return Result{}, err
	}
	if !matched {
		return Result{}, newErr(CodeNotFound, "CSVSink.Read", fmt.Errorf("topic %q: id %q not found", topic, id))
	}
	return found, nil
}

// Query linear-scans topic's file, invoking handler for every row matching
// filter, stopping early if handler returns true.
func (s *CSVSink) Query(ctx context.Context, topic string, filter Filter, handler QueryHandler) (Summary, error) {
	return s.query(topic, func(r Result) (bool, bool) {
		if filter.TransactionID != "" && r.Event.GetString("transactionId") != filter.TransactionID {
			return false, false
		}
		return true, handler(r)
	})
}

// query is the shared linear-scan core behind Read and Query. visit
// reports whether the row matched and whether the scan should stop.
func (s *CSVSink) query(topic string, visit func(Result) (matched bool, stop bool)) (Summary, error) {
	s.mu.Lock()
	schema, ok := s.schemas[topic]
	s.mu.Unlock()
	if !ok {
		return Summary{}, newErr(CodeNotSupported, "CSVSink.query", fmt.Errorf("topic %q not registered", topic))
	}

	f, err := os.Open(s.path(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, nil
		}
		return Summary{}, newErr(CodeIO, "CSVSink.query", err)
	}
	defer f.Close()

	reader := newRowReader(f)
	if _, err := reader.ReadRow(); err != nil { // header
		if err == io.EOF {
			return Summary{}, nil
		}
		return Summary{}, newErr(CodeIO, "CSVSink.query", err)
	}

	idx := schema.fieldIndex()
	var summary Summary
	for {
		row, err := reader.ReadRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, newErr(CodeIO, "CSVSink.query", err)
		}
		if len(row) < len(schema.Fields) {
			continue
		}
		cells := row[:len(schema.Fields)]
		if s.security && len(row) >= 2 && row[len(row)-1] != "" {
			continue // signature row, not a data row
		}

		fields := make(map[string]any, len(idx))
		for name, pos := range idx {
			fields[name] = cells[pos]
		}
		ev, err := NewEvent(fields)
		if err != nil {
			return summary, err
		}

		matched, stop := visit(Result{Topic: topic, Event: ev})
		if matched {
			summary.Matched++
		}
		if stop {
			summary.Stopped = true
			break
		}
	}
	return summary, nil
}
