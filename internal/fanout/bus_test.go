package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesReplayThenLive(t *testing.T) {
	bus := NewBus()
	replay := [][]byte{[]byte("r1"), []byte("r2")}

	sub := bus.Subscribe("inst-1", replay)
	bus.Publish("inst-1", []byte("live1"))

	var got [][]byte
	for i := 0; i < 3; i++ {
		select {
		case f := <-sub.Frames:
			got = append(got, f)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	require.Equal(t, [][]byte{[]byte("r1"), []byte("r2"), []byte("live1")}, got)
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	subA := bus.Subscribe("inst-1", nil)
	subB := bus.Subscribe("inst-1", nil)

	bus.Publish("inst-1", []byte("hello"))

	select {
	case f := <-subA.Frames:
		require.Equal(t, []byte("hello"), f)
	case <-time.After(time.Second):
		t.Fatal("subA did not receive frame")
	}
	select {
	case f := <-subB.Frames:
		require.Equal(t, []byte("hello"), f)
	case <-time.After(time.Second):
		t.Fatal("subB did not receive frame")
	}
}

func TestUnsubscribeClosesFrames(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("inst-1", nil)
	sub.Unsubscribe()

	_, ok := <-sub.Frames
	require.False(t, ok)
}

func TestOverflowDropsSlowSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("inst-1", nil)

	// Never drain sub.Frames: flood past its queue capacity.
	for i := 0; i < subscriberQueueCap+10; i++ {
		bus.Publish("inst-1", []byte("x"))
	}

	select {
	case <-sub.Dropped:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be dropped after overflow")
	}
}

func TestPublishToUnknownInstanceIsANoop(t *testing.T) {
	bus := NewBus()
	require.NotPanics(t, func() {
		bus.Publish("never-subscribed", []byte("x"))
	})
}

func TestRemoveInstanceClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	subA := bus.Subscribe("inst-1", nil)
	subB := bus.Subscribe("inst-1", nil)

	bus.RemoveInstance("inst-1")

	_, okA := <-subA.Frames
	_, okB := <-subB.Frames
	require.False(t, okA)
	require.False(t, okB)
}
