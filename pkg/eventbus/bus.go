package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/hybridcmd/core/internal/corerr"
)

// Config tunes a Bus instance; see SPEC_FULL.md §9.
type Config struct {
	MaxConcurrentEvents int
	MaxQueueSize        int
	Persist             bool
	BatchEnabled        bool
	BatchMaxSize        int
	BatchInterval       time.Duration
	HandlerTimeout      time.Duration // 0 disables the soft per-handler deadline
}

// DefaultConfig mirrors config.Default().EventBus.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentEvents: 64,
		MaxQueueSize:        1024,
		Persist:             true,
		BatchEnabled:        true,
		BatchMaxSize:        50,
		BatchInterval:       200 * time.Millisecond,
	}
}

type queuedPublish struct {
	evt  Event
	opts PublishOptions
}

// Bus dispatches published events to matching subscriptions. It owns
// the live subscription set and the back-pressure queue; EventStore
// persistence is optional and injected.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	typeMu sync.RWMutex
	byType map[string]map[string]*Subscription
	global map[string]*Subscription

	store      *Store
	middleware *MiddlewareChain

	seqMu sync.Mutex
	seq   uint64

	sem   *semaphore.Weighted
	qMu   sync.Mutex
	queue []queuedPublish

	activeCount int64
	running     int32

	batchMu      sync.Mutex
	batchPending []Event
	batchTimer   *time.Timer

	wg sync.WaitGroup

	metrics *metrics
}

type metrics struct {
	published prometheus.Counter
	delivered prometheus.Counter
	failed    prometheus.Counter
	queued    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{Name: "eventbus_published_total"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{Name: "eventbus_delivered_total"}),
		failed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "eventbus_failed_total"}),
		queued:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "eventbus_queue_depth"}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.delivered, m.failed, m.queued)
	}
	return m
}

// New builds a running Bus. reg may be nil to skip metrics
// registration (tests commonly do).
func New(cfg Config, store *Store, reg prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentEvents <= 0 {
		cfg.MaxConcurrentEvents = 64
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1024
	}

	b := &Bus{
		cfg:        cfg,
		logger:     logger,
		byType:     make(map[string]map[string]*Subscription),
		global:     make(map[string]*Subscription),
		store:      store,
		middleware: NewMiddlewareChain(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentEvents)),
		metrics:    newMetrics(reg),
	}
	atomic.StoreInt32(&b.running, 1)
	return b
}

// Use appends a middleware step to the publish pipeline.
func (b *Bus) Use(step Middleware) {
	b.middleware.Use(step)
}

// Subscribe registers handler for events matching pattern ("*" for
// all types).
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	if handler == nil {
		return "", corerr.Validation("subscribe", "", fmt.Errorf("handler cannot be nil"))
	}
	if pattern == "" {
		return "", corerr.Validation("subscribe", "", fmt.Errorf("pattern cannot be empty"))
	}

	sub := newSubscription(pattern, handler, opts)

	b.typeMu.Lock()
	if pattern == "*" {
		b.global[sub.ID] = sub
	} else {
		bucket, ok := b.byType[pattern]
		if !ok {
			bucket = make(map[string]*Subscription)
			b.byType[pattern] = bucket
		}
		bucket[sub.ID] = sub
	}
	b.typeMu.Unlock()

	b.logger.Debug("subscription created", "id", sub.ID, "pattern", pattern, "priority", sub.Priority)
	return sub.ID, nil
}

// Once is sugar for Subscribe with Once:true.
func (b *Bus) Once(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	opts.Once = true
	return b.Subscribe(pattern, handler, opts)
}

// WaitForOptions configures WaitFor.
type WaitForOptions struct {
	Timeout time.Duration
	Filter  func(Event) bool
}

// WaitFor blocks until the first matching event arrives or timeout
// elapses, expressed as a completion channel + cancellation rather
// than a mutable subscription flag.
func (b *Bus) WaitFor(ctx context.Context, pattern string, opts WaitForOptions) (Event, error) {
	ch := make(chan Event, 1)
	id, err := b.Subscribe(pattern, func(_ context.Context, evt Event) error {
		select {
		case ch <- evt:
		default:
		}
		return nil
	}, SubscribeOptions{Once: true, Async: true, Filter: opts.Filter})
	if err != nil {
		return Event{}, err
	}
	defer b.Unsubscribe(id)

	waitCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-waitCtx.Done():
		return Event{}, corerr.Timeout("waitFor", "", waitCtx.Err())
	}
}

// Unsubscribe deactivates and removes a subscription. Returns false if
// id was not found.
func (b *Bus) Unsubscribe(id string) bool {
	b.typeMu.Lock()
	defer b.typeMu.Unlock()

	if sub, ok := b.global[id]; ok {
		sub.active = false
		delete(b.global, id)
		return true
	}
	for _, bucket := range b.byType {
		if sub, ok := bucket[id]; ok {
			sub.active = false
			delete(bucket, id)
			return true
		}
	}
	return false
}

// ListSubscriptions returns a point-in-time snapshot of active
// subscriptions.
func (b *Bus) ListSubscriptions() []Stats {
	b.typeMu.RLock()
	defer b.typeMu.RUnlock()

	var out []Stats
	for _, sub := range b.global {
		out = append(out, statsOf(sub))
	}
	for _, bucket := range b.byType {
		for _, sub := range bucket {
			out = append(out, statsOf(sub))
		}
	}
	return out
}

func statsOf(s *Subscription) Stats {
	return Stats{ID: s.ID, Pattern: s.Pattern, Priority: s.Priority, Async: s.Async, Once: s.Once, Active: s.active, Invoked: s.invoked}
}

// Publish dispatches an event to all matching subscriptions, returning
// its assigned ID. An empty ID with nil error means middleware filtered
// the event.
func (b *Bus) Publish(ctx context.Context, eventType string, data interface{}, opts PublishOptions) (string, error) {
	if atomic.LoadInt32(&b.running) == 0 {
		return "", corerr.New(corerr.KindInternal, "publish", "", corerr.ErrBusNotInitialized)
	}

	evt := Event{
		Type:     eventType,
		Data:     data,
		Source:   opts.Source,
		Priority: opts.Priority,
		Metadata: opts.Metadata,
	}

	filtered, err := b.middleware.Run(ctx, evt)
	if err != nil {
		return "", corerr.New(corerr.KindValidation, "publish", "", err)
	}
	if filtered == nil {
		return "", nil // middleware silently dropped it
	}
	evt = *filtered

	evt.ID, evt.Timestamp = b.nextID()
	b.metrics.published.Inc()

	if opts.Persist || b.cfg.Persist {
		b.persist(ctx, evt, opts.Batch)
	}

	if err := b.scheduleDispatch(ctx, evt, opts); err != nil {
		return "", err
	}

	return evt.ID, nil
}

func (b *Bus) nextID() (string, time.Time) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq++
	return newEventID(), time.Now()
}

func (b *Bus) persist(ctx context.Context, evt Event, batchOverride *bool) {
	if b.store == nil {
		return
	}
	batch := b.cfg.BatchEnabled
	if batchOverride != nil {
		batch = *batchOverride
	}
	if !batch {
		b.writeThrough(ctx, evt)
		return
	}

	b.batchMu.Lock()
	b.batchPending = append(b.batchPending, evt)
	shouldFlush := len(b.batchPending) >= b.cfg.BatchMaxSize
	if b.batchTimer == nil && b.cfg.BatchInterval > 0 {
		b.batchTimer = time.AfterFunc(b.cfg.BatchInterval, func() { b.flushBatch(context.Background()) })
	}
	b.batchMu.Unlock()

	if shouldFlush {
		b.flushBatch(ctx)
	}
}

func (b *Bus) flushBatch(ctx context.Context) {
	b.batchMu.Lock()
	pending := b.batchPending
	b.batchPending = nil
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	b.batchMu.Unlock()

	for _, evt := range pending {
		b.writeThrough(ctx, evt)
	}
}

func (b *Bus) writeThrough(ctx context.Context, evt Event) {
	err := corerr.Retry(3, 50*time.Millisecond, func() error {
		if err := b.store.Append(ctx, evt); err != nil {
			return corerr.Storage("eventbus.store_append", evt.ID, err)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("event store write failed", "event_id", evt.ID, "error", err)
		storeErr := Event{Type: "storeError", Source: "eventbus", Timestamp: time.Now(),
			Data: map[string]interface{}{"event_id": evt.ID, "error": err.Error()}}
		go b.dispatch(context.Background(), storeErr, PublishOptions{})
	}
}

// scheduleDispatch either dispatches evt immediately (a free slot was
// available) or enqueues it for a later slot, per the back-pressure
// algorithm in spec §4.1.
func (b *Bus) scheduleDispatch(ctx context.Context, evt Event, opts PublishOptions) error {
	if b.sem.TryAcquire(1) {
		if opts.Sequential {
			// Sequential publishes dispatch on the caller's goroutine, so
			// successive publishes reach each subscriber in publish order.
			b.wg.Add(1)
			defer b.wg.Done()
			defer b.releaseSlot()
			b.dispatch(ctx, evt, opts)
			return nil
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.releaseSlot()
			b.dispatch(ctx, evt, opts)
		}()
		return nil
	}

	b.qMu.Lock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.qMu.Unlock()
		return corerr.Capacity("publish", evt.ID, corerr.ErrQueueFull)
	}
	b.queue = append(b.queue, queuedPublish{evt: evt, opts: opts})
	b.metrics.queued.Set(float64(len(b.queue)))
	b.qMu.Unlock()
	return nil
}

func (b *Bus) releaseSlot() {
	b.sem.Release(1)
	b.drainOne()
}

// drainOne pops the oldest queued publish (FIFO) and dispatches it,
// keeping the in-flight count at or below MaxConcurrentEvents.
func (b *Bus) drainOne() {
	b.qMu.Lock()
	if len(b.queue) == 0 {
		b.qMu.Unlock()
		return
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	b.metrics.queued.Set(float64(len(b.queue)))
	b.qMu.Unlock()

	if b.sem.TryAcquire(1) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.releaseSlot()
			b.dispatch(context.Background(), next.evt, next.opts)
		}()
	} else {
		// Another dispatch grabbed the slot first; put it back at the
		// front and let that dispatch's completion drain it.
		b.qMu.Lock()
		b.queue = append([]queuedPublish{next}, b.queue...)
		b.qMu.Unlock()
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event, opts PublishOptions) {
	atomic.AddInt64(&b.activeCount, 1)
	defer atomic.AddInt64(&b.activeCount, -1)

	subs := b.matchingSorted(evt)
	if len(subs) == 0 {
		return
	}

	if opts.Sequential {
		for _, sub := range subs {
			b.invokeOne(ctx, evt, sub)
		}
	} else {
		var wg sync.WaitGroup
		for _, sub := range subs {
			sub := sub
			if sub.Async {
				b.wg.Add(1)
				go func() {
					defer b.wg.Done()
					b.invokeOne(ctx, evt, sub)
				}()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.invokeOne(ctx, evt, sub)
			}()
		}
		wg.Wait()
	}

	b.sweepInactive(evt.Type)
}

// matchingSorted assembles type-specific subscribers first, then
// global ones, then stable-sorts the combined list by priority
// descending so ties keep that relative order.
func (b *Bus) matchingSorted(evt Event) []*Subscription {
	b.typeMu.RLock()
	defer b.typeMu.RUnlock()

	var subs []*Subscription
	if bucket, ok := b.byType[evt.Type]; ok {
		for _, s := range bucket {
			if s.matches(evt) {
				subs = append(subs, s)
			}
		}
	}
	for _, s := range b.global {
		if s.matches(evt) {
			subs = append(subs, s)
		}
	}

	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Priority > subs[j].Priority })
	return subs
}

func (b *Bus) invokeOne(ctx context.Context, evt Event, sub *Subscription) {
	handlerCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}

	err := b.safeInvoke(handlerCtx, evt, sub)
	atomic.AddInt64(&sub.invoked, 1)

	if err != nil {
		sub.lastError = err
		b.metrics.failed.Inc()
		b.logger.Warn("subscription handler failed", "subscription_id", sub.ID, "event_id", evt.ID, "error", err)
		return
	}

	b.metrics.delivered.Inc()
	if sub.Once {
		sub.active = false
	}
}

func (b *Bus) safeInvoke(ctx context.Context, evt Event, sub *Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.Handler(ctx, evt)
}

func (b *Bus) sweepInactive(eventType string) {
	b.typeMu.Lock()
	defer b.typeMu.Unlock()

	if bucket, ok := b.byType[eventType]; ok {
		for id, s := range bucket {
			if !s.active {
				delete(bucket, id)
			}
		}
	}
	for id, s := range b.global {
		if !s.active {
			delete(b.global, id)
		}
	}
}

// Replay streams stored events matching filter, in store order.
// Requires persistence to have been enabled at some point.
func (b *Bus) Replay(ctx context.Context, filter ReplayFilter, cb func(Event) error) error {
	if b.store == nil {
		return corerr.Validation("replay", "", fmt.Errorf("persistence not enabled"))
	}
	return b.store.Replay(ctx, filter, cb)
}

// Stop drains in-flight dispatches and marks the bus as not running.
func (b *Bus) Stop() {
	atomic.StoreInt32(&b.running, 0)
	b.flushBatch(context.Background())
	b.wg.Wait()
	b.logger.Info("event bus stopped")
}
