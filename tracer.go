package rntracez

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Worker pool configuration errors.
var (
	ErrWorkerPoolEnabled = errors.New("worker pool already enabled")
	ErrInvalidWorkers    = errors.New("workers must be > 0")
	ErrInvalidQueueSize  = errors.New("queueSize must be > 0")
)

// DefaultProcessTimeout bounds how long the event processors of a single
// transaction may wait on the native bridge.
const DefaultProcessTimeout = 5 * time.Second

// SpanHandler is called when a span starts or ends.
type SpanHandler func(span *Span)

// EventProcessor enriches a transaction event before it reaches collectors.
// Processors must not drop events; returning nil is treated as a bug and
// logged, and the event is discarded.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *TransactionEvent) *TransactionEvent
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(ctx context.Context, event *TransactionEvent) *TransactionEvent

// ProcessEvent calls f.
func (f EventProcessorFunc) ProcessEvent(ctx context.Context, event *TransactionEvent) *TransactionEvent {
	return f(ctx, event)
}

// StartSpanOptions configures a new span.
type StartSpanOptions struct {
	Attributes map[Key]any
	StartTime  time.Time
	Parent     *Span
	Name       string
	Op         string
	Origin     string
	// ForceTransaction starts a root span even when a parent is available.
	ForceTransaction bool
}

type hookKind int

const (
	hookSpanStart hookKind = iota
	hookSpanEnd
	hookAfterInit
)

type handlerEntry struct {
	handler SpanHandler
	init    func()
	id      uint64
	kind    hookKind
}

type namedCollector struct {
	collector *Collector
	name      string
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock injects the clock used for span timestamps.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the tracer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics attaches prometheus instruments to the tracer.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracer) {
		t.metrics = m
	}
}

// WithProcessTimeout bounds the event pipeline of a single transaction.
func WithProcessTimeout(d time.Duration) Option {
	return func(t *Tracer) {
		if d > 0 {
			t.processTimeout = d
		}
	}
}

// Tracer is the span registry: it creates spans, tracks the active span,
// dispatches lifecycle hooks and runs the event pipeline.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers       []handlerEntry
	processors     []EventProcessor
	collectors     []namedCollector
	panicHook      func(handlerID uint64, r interface{})
	workers        *workerPool
	traceIDPool    *IDPool
	spanIDPool     *IDPool
	active         *Span
	clock          clockz.Clock
	logger         *zap.Logger
	metrics        *Metrics
	processTimeout time.Duration
	handlersLock   sync.RWMutex
	activeLock     sync.Mutex
	idPoolOnce     sync.Once
	initOnce       sync.Once
	inflight       pending
	nextID         atomic.Uint64
	droppedEvents  atomic.Uint64
}

// New creates a new tracer.
// Uses the real clock for production behavior.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		handlers:       make([]handlerEntry, 0),
		clock:          clockz.RealClock,
		logger:         zap.NewNop(),
		processTimeout: DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("tracer")

	t.OnSpanStart(addDefaultOp)
	t.OnSpanStart(addThreadInfo)
	return t
}

// Clock returns the tracer clock.
func (t *Tracer) Clock() clockz.Clock {
	return t.clock
}

// Logger returns the tracer logger.
func (t *Tracer) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the tracer instruments, nil when metrics are disabled.
func (t *Tracer) Metrics() *Metrics {
	return t.metrics
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		t.traceIDPool = NewIDPool(idPoolCapacity, TraceIDs)
		t.spanIDPool = NewIDPool(idPoolCapacity, SpanIDs)
	})
}

// OnSpanStart registers a handler called synchronously when any span starts.
func (t *Tracer) OnSpanStart(handler SpanHandler) uint64 {
	if handler == nil {
		return 0
	}
	return t.registerHandler(handlerEntry{handler: handler, kind: hookSpanStart})
}

// OnSpanEnd registers a handler called synchronously when any span ends.
func (t *Tracer) OnSpanEnd(handler SpanHandler) uint64 {
	if handler == nil {
		return 0
	}
	return t.registerHandler(handlerEntry{handler: handler, kind: hookSpanEnd})
}

// OnAfterInit registers a handler called once by Init.
func (t *Tracer) OnAfterInit(handler func()) uint64 {
	if handler == nil {
		return 0
	}
	return t.registerHandler(handlerEntry{init: handler, kind: hookAfterInit})
}

func (t *Tracer) registerHandler(entry handlerEntry) uint64 {
	entry.id = t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, entry)
	return entry.id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// Init runs the afterInit handlers. Only the first call has an effect.
func (t *Tracer) Init() {
	t.initOnce.Do(func() {
		for _, h := range t.snapshotHandlers(hookAfterInit) {
			entry := h
			t.safeCall(entry, func() { entry.init() })
		}
	})
}

// AddProcessor appends an event processor. Processors run in the order
// they were added.
func (t *Tracer) AddProcessor(p EventProcessor) {
	if p == nil {
		return
	}
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.processors = append(t.processors, p)
}

// AddCollector registers a collector under name. Re-using a name replaces
// the previous collector.
func (t *Tracer) AddCollector(name string, c *Collector) {
	if c == nil {
		return
	}
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	for i := range t.collectors {
		if t.collectors[i].name == name {
			t.collectors[i].collector = c
			return
		}
	}
	t.collectors = append(t.collectors, namedCollector{name: name, collector: c})
}

// Reset clears every collector buffer without shutting collectors down.
func (t *Tracer) Reset() {
	t.handlersLock.RLock()
	collectors := make([]namedCollector, len(t.collectors))
	copy(collectors, t.collectors)
	t.handlersLock.RUnlock()

	for _, c := range collectors {
		c.collector.Reset()
	}
}

// ActiveSpan returns the active span, or nil when none is set or the
// active span has already ended.
func (t *Tracer) ActiveSpan() *Span {
	t.activeLock.Lock()
	active := t.active
	t.activeLock.Unlock()

	if active == nil || active.IsEnded() {
		return nil
	}
	return active
}

// SetActiveSpan makes span the active span.
func (t *Tracer) SetActiveSpan(span *Span) {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	if !span.IsRecording() {
		t.active = nil
		return
	}
	t.active = span
}

// ClearActiveSpan removes the active span.
func (t *Tracer) ClearActiveSpan() {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	t.active = nil
}

// ClearActiveSpanIf removes the active span only if it is span.
func (t *Tracer) ClearActiveSpanIf(span *Span) {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	if t.active == span {
		t.active = nil
	}
}

// StartSpan creates a new span and returns a context carrying it.
// If the context contains an existing span, the new span will be its child.
func (t *Tracer) StartSpan(ctx context.Context, opts StartSpanOptions) (context.Context, *Span) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Parent == nil && !opts.ForceTransaction {
		opts.Parent = GetSpan(ctx)
	}
	span := t.StartInactiveSpan(opts)
	return span.Context(ctx), span
}

// StartInactiveSpan creates and starts a span without making it active.
// The parent is, in order: opts.Parent, the active span. ForceTransaction
// always starts a root span.
func (t *Tracer) StartInactiveSpan(opts StartSpanOptions) *Span {
	parent := opts.Parent
	if opts.ForceTransaction {
		parent = nil
	} else if parent == nil {
		parent = t.ActiveSpan()
	}
	if parent != nil && !parent.IsRecording() {
		parent = nil
	}

	start := opts.StartTime
	if start.IsZero() {
		start = t.clock.Now()
	}

	t.ensureIDPools()
	span := &Span{
		tracer:    t,
		recording: true,
		data: SpanData{
			SpanID:    t.spanIDPool.Get(),
			Name:      opts.Name,
			Op:        opts.Op,
			Origin:    opts.Origin,
			StartTime: start,
			Sampled:   true,
		},
	}
	if opts.Origin == "" {
		span.data.Origin = OriginManual
	}
	for k, v := range opts.Attributes {
		span.setAttributeLocked(k, v)
	}

	if parent != nil {
		root := parent.Root()
		span.root = root
		span.data.TraceID = parent.TraceID()
		span.data.ParentID = parent.SpanID()
		span.data.Sampled = root.IsSampled()
		root.addDescendant(span)
	} else {
		span.data.TraceID = t.traceIDPool.Get()
	}

	if t.metrics != nil {
		t.metrics.SpansStarted.Inc()
	}

	for _, h := range t.snapshotHandlers(hookSpanStart) {
		entry := h
		t.safeCall(entry, func() { entry.handler(span) })
	}
	return span
}

// spanEnded dispatches spanEnd handlers and, for sampled root spans,
// hands the transaction to the event pipeline.
func (t *Tracer) spanEnded(span *Span) {
	if t.metrics != nil {
		t.metrics.SpansEnded.Inc()
	}

	for _, h := range t.snapshotHandlers(hookSpanEnd) {
		entry := h
		t.safeCall(entry, func() { entry.handler(span) })
	}

	if span.root != nil {
		return
	}
	t.ClearActiveSpanIf(span)

	if !span.IsSampled() {
		t.logger.Debug("root span not sampled, dropping transaction",
			zap.String("span_id", span.SpanID()))
		if t.metrics != nil {
			t.metrics.EventsUnsampled.Inc()
		}
		return
	}

	t.Capture(NewTransactionEvent(span))
}

// Capture runs event through the processors and hands it to every
// collector. Runs inline unless a worker pool is enabled.
func (t *Tracer) Capture(event *TransactionEvent) {
	if event == nil {
		return
	}

	t.handlersLock.RLock()
	workers := t.workers
	t.handlersLock.RUnlock()

	if workers == nil {
		t.processAndCollect(event)
		return
	}

	t.inflight.add(1)
	if !workers.submit(func() {
		defer t.inflight.add(-1)
		t.processAndCollect(event)
	}) {
		t.inflight.add(-1)
		t.droppedEvents.Add(1)
		if t.metrics != nil {
			t.metrics.EventsDropped.Inc()
		}
		t.logger.Warn("event pipeline queue full, dropping transaction",
			zap.String("transaction", event.Transaction))
	}
}

func (t *Tracer) processAndCollect(event *TransactionEvent) {
	t.handlersLock.RLock()
	processors := make([]EventProcessor, len(t.processors))
	copy(processors, t.processors)
	collectors := make([]namedCollector, len(t.collectors))
	copy(collectors, t.collectors)
	t.handlersLock.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.processTimeout)
	defer cancel()

	for _, p := range processors {
		next := t.safeProcess(ctx, p, event)
		if next == nil {
			t.logger.Error("event processor returned no event",
				zap.String("transaction", event.Transaction))
			return
		}
		event = next
	}

	if t.metrics != nil {
		t.metrics.EventsProcessed.Inc()
	}
	for _, c := range collectors {
		c.collector.Collect(event)
	}
}

func (t *Tracer) safeProcess(ctx context.Context, p EventProcessor, event *TransactionEvent) (out *TransactionEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event processor panicked", zap.Any("panic", r))
			out = event
		}
	}()
	return p.ProcessEvent(ctx, event)
}

func (t *Tracer) snapshotHandlers(kind hookKind) []handlerEntry {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()

	var out []handlerEntry
	for _, h := range t.handlers {
		if h.kind == kind {
			out = append(out, h)
		}
	}
	return out
}

func (t *Tracer) safeCall(entry handlerEntry, call func()) {
	defer func() {
		if r := recover(); r != nil {
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	call()
}

// EnableWorkerPool runs the event pipeline on a bounded worker pool.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return ErrWorkerPoolEnabled
	}
	if workers <= 0 {
		return ErrInvalidWorkers
	}
	if queueSize <= 0 {
		return ErrInvalidQueueSize
	}

	t.workers = &workerPool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedEvents returns the number of events dropped due to a full worker queue.
func (t *Tracer) DroppedEvents() uint64 {
	return t.droppedEvents.Load()
}

// Flush waits until every submitted event has been processed.
func (t *Tracer) Flush() {
	t.inflight.wait()
}

// Close shuts down the tracer gracefully and cleans up resources.
// This should be called when the tracer is no longer needed.
func (t *Tracer) Close() {
	t.Flush()

	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if workers != nil {
		workers.shutdown()
	}

	// Close ID pools
	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}
}

func addDefaultOp(span *Span) {
	span.mu.Lock()
	defer span.mu.Unlock()
	if span.data.Op == "" {
		span.data.Op = OpDefault
	}
}

func addThreadInfo(span *Span) {
	span.mu.Lock()
	defer span.mu.Unlock()
	if _, ok := span.data.Attributes[AttrThreadName]; !ok {
		span.setAttributeLocked(AttrThreadName, ThreadNameJavaScript)
	}
}

// workerPool manages a fixed number of workers for the event pipeline.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		return false
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
	// Run what was queued after the workers stopped.
	for {
		select {
		case task := <-w.tasks:
			task()
		default:
			return
		}
	}
}

// pending counts events handed to the worker pool. Unlike a WaitGroup it
// may be incremented from zero while another goroutine waits.
type pending struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (p *pending) add(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n += delta
	if p.n == 0 && p.cond != nil {
		p.cond.Broadcast()
	}
}

func (p *pending) wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
	}
	for p.n > 0 {
		p.cond.Wait()
	}
}
