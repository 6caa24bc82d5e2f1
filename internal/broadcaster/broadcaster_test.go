package broadcaster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDsAreContiguousPerProcess(t *testing.T) {
	b := New("", nil)
	sink := NewChannelSink(10)
	b.Subscribe("proc-1", sink)

	for i := 0; i < 5; i++ {
		b.Broadcast("proc-1", Event{ID: b.NextEventID("proc-1"), Type: EventOutput, Data: "x"})
	}

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, (<-sink.Events()).ID)
	}
	for i, id := range ids {
		assert.EqualValues(t, i+1, id)
	}
	assert.EqualValues(t, 5, b.Current("proc-1"))
}

func TestSlowSinkIsDroppedNotBlocking(t *testing.T) {
	b := New("", nil)
	sink := NewChannelSink(1)
	b.Subscribe("proc-1", sink)

	// Fill the sink's buffer, then overflow it; Broadcast must not block.
	b.Broadcast("proc-1", Event{ID: b.NextEventID("proc-1"), Type: EventOutput, Data: "a"})
	b.Broadcast("proc-1", Event{ID: b.NextEventID("proc-1"), Type: EventOutput, Data: "b"})

	// Sink should now be closed/dropped; draining confirms no panic on send
	// to a closed channel because Broadcaster, not the test, owns Close().
	<-sink.Events()
}

func TestResumeSendsCatchUpOnlyWhenBehindCurrent(t *testing.T) {
	b := New("", nil)

	// Advance current to 5 without a live subscriber.
	for i := 0; i < 5; i++ {
		b.NextEventID("proc-1")
	}

	sink := NewChannelSink(10)
	b.Resume("proc-1", 5, []string{"a", "b"}, "stdout", sink)
	select {
	case <-sink.Events():
		t.Fatal("expected no catch-up when lastEventID == current")
	default:
	}

	sink2 := NewChannelSink(10)
	b.Resume("proc-1", 2, []string{"a", "b"}, "stdout", sink2)
	evt := <-sink2.Events()
	require.Equal(t, "a", evt.Data)
	assert.Greater(t, evt.ID, uint64(5))
}
