package rntracez

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(name string) *TransactionEvent {
	return &TransactionEvent{
		Type:        EventTypeTransaction,
		Transaction: name,
		Contexts: Contexts{Trace: TraceContext{
			TraceID: "trace",
			SpanID:  "root",
			Data:    map[string]any{"key": "value"},
		}},
		Spans: []SpanJSON{{SpanID: "child", Op: "op"}},
	}
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test-collector", 100)
	defer collector.Close()

	assert.Equal(t, "test-collector", collector.Name())
	assert.Equal(t, 0, collector.Count())
	assert.Equal(t, int64(0), collector.DroppedCount())
}

func TestCollectorBasicCollection(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	collector.Collect(testEvent("checkout"))
	require.Equal(t, 1, collector.Count())

	events := collector.Export()
	require.Len(t, events, 1)
	assert.Equal(t, "checkout", events[0].Transaction)
	assert.Equal(t, 0, collector.Count())
}

func TestCollectorNilEvent(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	collector.Collect(nil)
	assert.Equal(t, 0, collector.Count())
	assert.Equal(t, int64(1), collector.DroppedCount())
}

func TestCollectorBackpressure(t *testing.T) {
	collector := NewCollector("test", 2)
	defer collector.Close()

	for i := 0; i < 50; i++ {
		collector.Collect(testEvent("burst"))
	}

	assert.Eventually(t, func() bool {
		return int(collector.DroppedCount())+collector.Count() == 50
	}, time.Second, 5*time.Millisecond)
}

func TestCollectorBufferGrowth(t *testing.T) {
	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 50; i++ {
		collector.Collect(testEvent("grow"))
	}
	assert.Equal(t, 50, collector.Count())
	assert.Len(t, collector.Export(), 50)

	for i := 0; i < 5; i++ {
		collector.Collect(testEvent("small"))
	}
	assert.Equal(t, 5, collector.Count())
}

func TestCollectorIsolatesEvents(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	original := testEvent("original")
	collector.Collect(original)

	// Mutating the source after collection must not leak in.
	original.Contexts.Trace.Data["key"] = "mutated"
	original.Spans[0].Op = "mutated"

	exported := collector.Export()
	require.Len(t, exported, 1)
	assert.Equal(t, "value", exported[0].Contexts.Trace.Data["key"])
	assert.Equal(t, "op", exported[0].Spans[0].Op)

	// Mutating the export must not affect later exports either.
	exported[0].Transaction = "changed"
	collector.Collect(original)
	again := collector.Export()
	require.Len(t, again, 1)
	assert.Equal(t, "original", again[0].Transaction)
}

func TestCollectorReset(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 5; i++ {
		collector.Collect(testEvent("reset"))
	}
	collector.droppedCount.Store(10)

	collector.Reset()

	assert.Equal(t, 0, collector.Count())
	assert.Equal(t, int64(0), collector.DroppedCount())
}

func TestCollectorShutdown(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)

	for i := 0; i < 3; i++ {
		collector.Collect(testEvent("before"))
	}

	collector.Close()
	collector.Close()

	assert.Len(t, collector.Export(), 3)

	collector.Collect(testEvent("after"))
	assert.Equal(t, 0, collector.Count())
	assert.Equal(t, int64(1), collector.DroppedCount())
}

func TestCollectorConcurrentCollection(t *testing.T) {
	collector := NewCollector("test", 100)
	defer collector.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				collector.Collect(testEvent("concurrent"))
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return int(collector.DroppedCount())+collector.Count() == 500
	}, time.Second, 5*time.Millisecond)
}

func TestCollectorConcurrentExport(t *testing.T) {
	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 20; i++ {
		collector.Collect(testEvent("export"))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		full  int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := collector.Export()
			mu.Lock()
			defer mu.Unlock()
			total += len(result)
			if len(result) > 0 {
				full++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total)
	assert.Equal(t, 1, full)
}

func TestSetSyncMode(t *testing.T) {
	collector := NewCollector("test", 10)
	defer collector.Close()

	collector.Collect(testEvent("async"))
	assert.Eventually(t, func() bool { return collector.Count() == 1 }, time.Second, time.Millisecond)
	collector.Export()

	collector.SetSyncMode(true)
	collector.Collect(testEvent("sync"))
	events := collector.Export()
	require.Len(t, events, 1)
	assert.Equal(t, "sync", events[0].Transaction)
}
