package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/config"
)

func TestWorkerPoolDeliversEveryEvent(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.QueueSize = 64
	e := NewEngine(t, cfg)
	tracer := e.Client.Tracer()

	for i := 0; i < 10; i++ {
		root := tracer.StartInactiveSpan(rntracez.StartSpanOptions{
			Name:             fmt.Sprintf("job-%d", i),
			ForceTransaction: true,
		})
		root.End()
	}
	tracer.Flush()

	e.Events.AssertEventCount(10)
	if dropped := tracer.DroppedEvents(); dropped != 0 {
		t.Errorf("Expected no dropped events, got %d", dropped)
	}
}

func TestEventTree(t *testing.T) {
	e := NewEngine(t, nil)
	tracer := e.Client.Tracer()

	e.Client.StartIdleNavigationSpan(rntracez.StartSpanOptions{Name: "Orders"})
	parent := tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "load orders"})
	child := tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "parse", Parent: parent})
	e.Sched.Advance(100 * time.Millisecond)
	child.End()
	parent.End()
	e.Sched.Advance(time.Second)

	event := e.Events.AssertTransaction("Orders")
	if event == nil {
		return
	}
	e.Events.AssertParentChild(event, "", "load orders")
	e.Events.AssertParentChild(event, "load orders", "parse")

	tree := BuildSpanTree(event)
	if len(tree) != 1 || len(tree[0].Children) != 1 {
		t.Fatalf("Expected one top level span with one child, got %d", len(tree))
	}
	if tree[0].Children[0].Span.Description != "parse" {
		t.Errorf("Expected parse under load orders, got %s", tree[0].Children[0].Span.Description)
	}
}

func TestContextPropagation(t *testing.T) {
	e := NewEngine(t, nil)
	tracer := e.Client.Tracer()

	ctx, root := tracer.StartSpan(context.Background(), rntracez.StartSpanOptions{Name: "sync", ForceTransaction: true})
	if got := rntracez.GetSpan(ctx); got != root {
		t.Fatal("context should carry the root span")
	}
	_, upload := tracer.StartSpan(ctx, rntracez.StartSpanOptions{Name: "upload"})
	e.Clock.Advance(50 * time.Millisecond)
	upload.End()
	root.End()

	event := e.Events.AssertTransaction("sync")
	if event == nil {
		return
	}
	e.Events.AssertParentChild(event, "", "upload")
	if event.Contexts.Trace.Data[rntracez.AttrThreadName] != rntracez.ThreadNameJavaScript {
		t.Errorf("Expected javascript thread, got %v", event.Contexts.Trace.Data[rntracez.AttrThreadName])
	}
}
