package eventbus

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTriggerWithoutSubscribersIsNoop(t *testing.T) {
	bus := New()
	require.NotPanics(t, func() { bus.Trigger("on_new_item", 1) })
	require.Equal(t, 0, bus.Len("on_new_item"))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := New()
	var trace []string

	bus.On("on_ready", func(any) {
		trace = append(trace, "h1:start")
		trace = append(trace, "h1:end")
	})
	bus.On("on_ready", func(any) {
		trace = append(trace, "h2:start")
	})

	bus.Trigger("on_ready", true)
	require.Equal(t, []string{"h1:start", "h1:end", "h2:start"}, trace)
}

func TestDuplicateRegistrationFiresTwice(t *testing.T) {
	bus := New()
	count := 0
	handler := func(any) { count++ }
	bus.On("on_init", handler)
	bus.On("on_init", handler)

	bus.Trigger("on_init", nil)
	require.Equal(t, 2, count)
	require.Equal(t, 2, bus.Len("on_init"))
}

func TestTriggerPassesPayloadAndIsolatesNames(t *testing.T) {
	bus := New()
	var got []any
	bus.On("on_error", func(p any) { got = append(got, p) })
	bus.On("on_ready", func(any) { t.Fatal("unexpected delivery") })

	bus.Trigger("on_error", "boom")
	require.Equal(t, []any{"boom"}, got)
}

func TestHandlerMayRegisterDuringTrigger(t *testing.T) {
	bus := New()
	late := 0
	bus.On("on_connected", func(any) {
		bus.On("on_connected", func(any) { late++ })
	})

	bus.Trigger("on_connected", true)
	require.Equal(t, 0, late)
	bus.Trigger("on_connected", true)
	require.Equal(t, 1, late)
}

func TestSubscribeTyped(t *testing.T) {
	bus := New()
	var ids []int
	Subscribe(bus, "on_deleted_item", func(id int) { ids = append(ids, id) })

	bus.Trigger("on_deleted_item", 4)
	bus.Trigger("on_deleted_item", "not-an-int")
	bus.Trigger("on_deleted_item", 5)
	require.Equal(t, []int{4, 5}, ids)

	Subscribe[int](nil, "x", func(int) {})
	Subscribe[int](bus, "x", nil)
	require.Equal(t, 0, bus.Len("x"))
}

func TestNamesListsSubscribedEvents(t *testing.T) {
	bus := New()
	bus.On("b", func(any) {})
	bus.On("a", func(any) {})
	bus.On("c", nil)

	names := bus.Names()
	sort.Strings(names)
	require.Equal(t, []string{"a", "b"}, names)
}
