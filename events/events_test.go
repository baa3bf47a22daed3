package events

import (
	"testing"

	"github.com/aws-greengrass/client-device-auth/core"
	"github.com/aws-greengrass/client-device-auth/test"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []core.ConnectionState
	bus.Subscribe(KindConnectionStateChanged, func(e Event) {
		got = append(got, e.(ConnectionStateChanged).State)
	})

	bus.Publish(ConnectionStateChanged{State: core.NetworkDown})
	bus.Publish(ConnectionStateChanged{State: core.NetworkUp})

	test.AssertDeepEquals(t, got, []core.ConnectionState{core.NetworkDown, core.NetworkUp})
}

func TestPublishOnlyMatchingKind(t *testing.T) {
	bus := NewBus()
	caChanges := 0
	bus.Subscribe(KindCAChanged, func(Event) { caChanges++ })

	bus.Publish(ConnectionStateChanged{State: core.NetworkUp})
	test.AssertEquals(t, caChanges, 0)

	bus.Publish(CAChanged{Type: core.CATypeRSA2048})
	test.AssertEquals(t, caChanges, 1)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	first, second := 0, 0
	unsub := bus.Subscribe(KindCAChanged, func(Event) { first++ })
	bus.Subscribe(KindCAChanged, func(Event) { second++ })

	bus.Publish(CAChanged{Type: core.CATypeRSA2048})
	unsub()
	unsub() // idempotent
	bus.Publish(CAChanged{Type: core.CATypeRSA2048})

	test.AssertEquals(t, first, 1)
	test.AssertEquals(t, second, 2)
}
