package rntracez

import (
	"sync"
	"sync/atomic"
	"time"
)

// collectorShutdownTimeout bounds how long Close waits for the drain loop.
const collectorShutdownTimeout = 100 * time.Millisecond

// Collector buffers processed transaction events for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	events       []*TransactionEvent
	eventsCh     chan *TransactionEvent
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	if bufferSize < 1 {
		bufferSize = 1
	}
	c := &Collector{
		name:     name,
		events:   make([]*TransactionEvent, 0, 8),
		eventsCh: make(chan *TransactionEvent, bufferSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// start runs the collector's main loop, receiving events from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining events before shutdown.
			for {
				select {
				case event := <-c.eventsCh:
					c.buffer(event)
				default:
					return
				}
			}
		case event := <-c.eventsCh:
			c.buffer(event)
		}
	}
}

// Close shuts down the collector, draining queued events first.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(collectorShutdownTimeout):
		}
	})
}

// Collect attempts to buffer an event with backpressure protection.
// If the internal channel is full, the event is dropped and the drop counter is incremented.
// In sync mode, events are collected directly for deterministic testing.
func (c *Collector) Collect(event *TransactionEvent) {
	if event == nil {
		c.droppedCount.Add(1)
		return
	}
	if c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	// Deep copy so later processing cannot mutate buffered events.
	eventCopy := event.Clone()

	if c.syncMode.Load() {
		c.buffer(eventCopy)
		return
	}

	select {
	case c.eventsCh <- eventCopy:
	default:
		// Channel full - drop event to prevent blocking.
		c.droppedCount.Add(1)
	}
}

func (c *Collector) buffer(event *TransactionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= cap(c.events) {
		currentCap := cap(c.events)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]*TransactionEvent, len(c.events), newCap)
		copy(grown, c.events)
		c.events = grown
	}
	c.events = append(c.events, event)
}

// Export returns a copy of all buffered events and clears the internal buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []*TransactionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return nil
	}

	result := make([]*TransactionEvent, len(c.events))
	for i := range c.events {
		result[i] = c.events[i].Clone()
	}

	if cap(c.events) > 256 && len(c.events) < cap(c.events)/8 {
		// Only shrink if buffer is very oversized to avoid allocation churn.
		newCap := cap(c.events) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.events = make([]*TransactionEvent, 0, newCap)
	} else {
		clear(c.events)
		c.events = c.events[:0]
	}

	return result
}

// Count returns the current number of buffered events.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// DroppedCount returns the total number of events dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, events are collected directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered events and resets the drop counter.
// Does not affect the running goroutine - use Close for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.events)
	c.events = c.events[:0]
	c.droppedCount.Store(0)
}
