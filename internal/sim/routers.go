package sim

import (
	"github.com/zoobzio/rntracez/navigation"
)

// container is a scripted stack router.
type container struct {
	route     *navigation.Route
	listeners map[int]navigation.Listener
	order     []int
	next      int
}

func newContainer() *container {
	return &container{listeners: make(map[int]navigation.Listener)}
}

func (c *container) CurrentRoute() *navigation.Route {
	return c.route
}

func (c *container) AddListener(l navigation.Listener) func() {
	c.next++
	id := c.next
	c.listeners[id] = l
	c.order = append(c.order, id)
	return func() {
		delete(c.listeners, id)
	}
}

func (c *container) each(fn func(navigation.Listener)) {
	for _, id := range c.order {
		if l, ok := c.listeners[id]; ok {
			fn(l)
		}
	}
}

func (c *container) dispatch(actionType string) {
	c.each(func(l navigation.Listener) {
		l.ActionDispatched(navigation.Action{Type: actionType})
	})
}

func (c *container) settle(name, key string) {
	c.route = &navigation.Route{Name: name, Key: key}
	c.each(func(l navigation.Listener) {
		l.StateChanged()
	})
}

type subscription struct{}

func (subscription) Remove() {}

// tabEvents is a scripted tab router event registry.
type tabEvents struct {
	commands   []func(string, any)
	appear     []func(navigation.ComponentEvent)
	tabPressed []func(int)
}

func (e *tabEvents) RegisterCommandListener(fn func(string, any)) navigation.Subscription {
	e.commands = append(e.commands, fn)
	return subscription{}
}

func (e *tabEvents) RegisterComponentWillAppearListener(fn func(navigation.ComponentEvent)) navigation.Subscription {
	e.appear = append(e.appear, fn)
	return subscription{}
}

func (e *tabEvents) RegisterBottomTabPressedListener(fn func(int)) navigation.Subscription {
	e.tabPressed = append(e.tabPressed, fn)
	return subscription{}
}

func (e *tabEvents) command(name string) {
	for _, fn := range e.commands {
		fn(name, nil)
	}
}

func (e *tabEvents) willAppear(ev navigation.ComponentEvent) {
	for _, fn := range e.appear {
		fn(ev)
	}
}

func (e *tabEvents) pressTab() {
	for i, fn := range e.tabPressed {
		fn(i)
	}
}
