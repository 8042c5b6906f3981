package rntracez

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// idPoolCapacity is the number of ids kept ready per pool.
const idPoolCapacity = 256

// IDBatch produces one or more ids per call.
type IDBatch func() []string

// TraceIDs yields one 32 character hex trace id per random UUID.
func TraceIDs() []string {
	return []string{newTraceID()}
}

// SpanIDs splits one random UUID into two 16 character hex span ids.
func SpanIDs() []string {
	u := uuid.New()
	return []string{hex.EncodeToString(u[:8]), hex.EncodeToString(u[8:])}
}

func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func newSpanID() string {
	return SpanIDs()[0]
}

// IDPool keeps ids generated ahead of time by a background goroutine, so
// starting a span does not wait on crypto/rand. Get falls back to
// generating inline when the pool is drained or closed.
type IDPool struct {
	batch IDBatch
	ids   chan string
	stop  chan struct{}
	once  sync.Once
}

// NewIDPool starts a pool holding up to capacity ids from batch.
func NewIDPool(capacity int, batch IDBatch) *IDPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &IDPool{
		batch: batch,
		ids:   make(chan string, capacity),
		stop:  make(chan struct{}),
	}
	go p.fill()
	return p
}

// Get returns a pooled id, or a fresh one when none is ready.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.batch()[0]
	}
}

func (p *IDPool) fill() {
	for {
		for _, id := range p.batch() {
			select {
			case p.ids <- id:
			case <-p.stop:
				return
			}
		}
	}
}

// Close stops refilling. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.once.Do(func() { close(p.stop) })
}
