package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSub_FanOut(t *testing.T) {
	ps := NewPubSub(8)
	ctx := context.Background()

	ch1, cancel1, err := ps.Subscribe(ctx, "quest_events")
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := ps.Subscribe(ctx, "quest_events")
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, ps.Publish(ctx, "quest_events", "started"))

	for _, ch := range []<-chan *LocalMessage{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "quest_events", msg.Channel)
			assert.Equal(t, "started", msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestPubSub_ChannelIsolation(t *testing.T) {
	ps := NewPubSub(8)
	ctx := context.Background()

	ch, cancel, err := ps.Subscribe(ctx, "quest_events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish(ctx, "other", "noise"))
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPubSub_CancelUnsubscribes(t *testing.T) {
	ps := NewPubSub(8)
	ctx := context.Background()

	ch, cancel, err := ps.Subscribe(ctx, "quest_events")
	require.NoError(t, err)
	cancel()

	// Channel is closed; publishing afterwards must not panic.
	_, open := <-ch
	assert.False(t, open)
	assert.NoError(t, ps.Publish(ctx, "quest_events", "late"))
}

func TestPubSub_FullBufferDrops(t *testing.T) {
	ps := NewPubSub(1)
	ctx := context.Background()

	ch, cancel, err := ps.Subscribe(ctx, "quest_events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish(ctx, "quest_events", "first"))
	require.NoError(t, ps.Publish(ctx, "quest_events", "dropped"))

	msg := <-ch
	assert.Equal(t, "first", msg.Payload)
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %q", extra.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}
