package auditlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BufferingConfig is the decorator's own configuration: whether batching
// is on at all, the size/time triggers, and whether every publish should
// flush synchronously.
type BufferingConfig struct {
	Enabled   bool
	MaxSize   int
	MaxTime   time.Duration
	Autoflush bool
}

// BufferingSink wraps any Sink with size/time-triggered batching: a
// locked per-topic publish queue drained by a single background flush.
// At-most-one-flush-in-flight is enforced with an atomic flag rather
// than a second lock, keeping the publish path free of nested mutexes.
type BufferingSink struct {
	inner Sink
	cfg   BufferingConfig

	mu  sync.Mutex
	buf map[string][]Event

	flushing atomic.Bool

	scheduler  Scheduler
	cancelTick CancelFunc

	lastErrMu sync.Mutex
	lastErr   error
}

// NewBufferingSink wraps inner with cfg's batching policy.
func NewBufferingSink(inner Sink, cfg BufferingConfig) *BufferingSink {
	return &BufferingSink{
		inner: inner,
		cfg:   cfg,
		buf:   make(map[string][]Event),
	}
}

func (b *BufferingSink) Name() string { return "buffering(" + b.inner.Name() + ")" }

func (b *BufferingSink) Configure(cfg SinkConfig) error {
	b.scheduler = cfg.Scheduler
	if b.scheduler == nil {
		b.scheduler = NewScheduler()
	}
	return b.inner.Configure(cfg)
}

// RegisterTopic forwards topic registration to the wrapped sink, for
// inner sinks that need schemas bound before the first publish.
func (b *BufferingSink) RegisterTopic(schema Schema) error {
	if rs, ok := b.inner.(interface{ RegisterTopic(Schema) error }); ok {
		return rs.RegisterTopic(schema)
	}
	return nil
}

func (b *BufferingSink) Startup(ctx context.Context) error {
	if err := b.inner.Startup(ctx); err != nil {
		return err
	}
	if b.cfg.Enabled && b.cfg.MaxTime > 0 {
		b.armTick()
	}
	return nil
}

func (b *BufferingSink) armTick() {
	b.cancelTick = b.scheduler.AfterFunc(b.cfg.MaxTime, func() {
		b.asyncFlushAll()
		b.armTick()
	})
}

// Shutdown stops the periodic ticker and drains every topic's buffer
// synchronously before closing the inner sink, so nothing buffered is
// lost on a clean shutdown.
func (b *BufferingSink) Shutdown(ctx context.Context) error {
	if b.cancelTick != nil {
		b.cancelTick()
	}
	b.flushAllSync()
	return b.inner.Shutdown(ctx)
}

// Publish enqueues ev for topic. If buffering is disabled, the write
// reaches inner immediately. Otherwise: Autoflush means publish never
// blocks on the downstream sink, relying on the size/time background
// triggers; without Autoflush, every publish also triggers a synchronous
// flush of the backlog.
func (b *BufferingSink) Publish(ctx context.Context, topic string, ev Event) (Result, error) {
	if !b.cfg.Enabled {
		return b.inner.Publish(ctx, topic, ev)
	}

	b.mu.Lock()
	b.buf[topic] = append(b.buf[topic], ev)
	size := len(b.buf[topic])
	b.mu.Unlock()

	if !b.cfg.Autoflush {
		if err := b.flushTopic(topic); err != nil {
			return Result{}, err
		}
		return Result{Topic: topic, Event: ev}, nil
	}

	if b.cfg.MaxSize > 0 && size >= b.cfg.MaxSize {
		b.asyncFlushAll()
	}
	return Result{Topic: topic, Event: ev}, nil
}

func (b *BufferingSink) Read(ctx context.Context, topic, id string) (Result, error) {
	return b.inner.Read(ctx, topic, id)
}

func (b *BufferingSink) Query(ctx context.Context, topic string, filter Filter, handler QueryHandler) (Summary, error) {
	return b.inner.Query(ctx, topic, filter, handler)
}

// asyncFlushAll starts a background flush unless one is already in
// flight. A trigger that lands mid-flush is not lost: the data it would
// have flushed is still in the per-topic buffer for the next trigger to
// pick up.
func (b *BufferingSink) asyncFlushAll() {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.flushing.Store(false)
		b.flushAllSync()
	}()
}

func (b *BufferingSink) flushAllSync() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.buf))
	for t := range b.buf {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		_ = b.flushTopic(t)
	}
}

// flushTopic drains topic's pending events, in order, into the inner
// sink.
func (b *BufferingSink) flushTopic(topic string) error {
	b.mu.Lock()
	pending := b.buf[topic]
	b.buf[topic] = nil
	b.mu.Unlock()

	for _, ev := range pending {
		if _, err := b.inner.Publish(context.Background(), topic, ev); err != nil {
			b.lastErrMu.Lock()
			b.lastErr = err
			b.lastErrMu.Unlock()
			return err
		}
	}
	return nil
}

// LastFlushError returns the most recent error encountered while flushing
// to the inner sink, or nil. With Autoflush, Publish never reports flush
// errors; callers that need per-event error handling should disable
// buffering or Autoflush instead.
func (b *BufferingSink) LastFlushError() error {
	b.lastErrMu.Lock()
	defer b.lastErrMu.Unlock()
	return b.lastErr
}
