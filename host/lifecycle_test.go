package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleNotifiesOnChange(t *testing.T) {
	l := NewLifecycle()
	assert.Equal(t, StateActive, l.State())

	var got []string
	l.Subscribe(func(s AppState) { got = append(got, "a:"+string(s)) })
	unsub := l.Subscribe(func(s AppState) { got = append(got, "b:"+string(s)) })

	l.SetState(StateActive)
	l.SetState(StateBackground)
	unsub()
	l.SetState(StateActive)

	assert.Equal(t, []string{"a:background", "b:background", "a:active"}, got)
}

func TestLifecycleRunApplication(t *testing.T) {
	l := NewLifecycle()

	runs := 0
	unsub := l.OnRunApplication(func() { runs++ })
	l.RunApplication()
	l.RunApplication()
	unsub()
	l.RunApplication()

	assert.Equal(t, 2, runs)
}

func TestLifecycleListenerMaySubscribe(t *testing.T) {
	l := NewLifecycle()

	nested := 0
	l.Subscribe(func(AppState) {
		l.Subscribe(func(AppState) { nested++ })
	})
	l.SetState(StateBackground)
	l.SetState(StateActive)

	assert.Equal(t, 1, nested)
}
