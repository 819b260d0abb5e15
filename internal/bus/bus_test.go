package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/hec-ovi/open-research/internal/research"
)

func event(session string, n int) research.Event {
	return research.NewEvent(research.EventFinderSource, session, fmt.Sprintf("event-%d", n))
}

func collect(t *testing.T, ch <-chan research.Event, n int) []research.Event {
	t.Helper()
	out := make([]research.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()
	b := New()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(event("s1", i))
	}

	got := collect(t, ch, n)
	for i, ev := range got {
		if ev.Message != fmt.Sprintf("event-%d", i) {
			t.Fatalf("event %d out of order: %q", i, ev.Message)
		}
	}
}

func TestBusToleratesZeroSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	// Must not block or panic.
	for i := 0; i < 100; i++ {
		b.Publish(event("nobody", i))
	}
}

func TestBusLateSubscriberSeesOnlyNewEvents(t *testing.T) {
	t.Parallel()
	b := New()
	b.Publish(event("s2", 0))

	ch, cancel := b.Subscribe("s2")
	defer cancel()
	b.Publish(event("s2", 1))

	got := collect(t, ch, 1)
	if got[0].Message != "event-1" {
		t.Fatalf("late subscriber must only see events from its join point, got %q", got[0].Message)
	}
}

func TestBusUnsubscribeDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, cancel1 := b.Subscribe("s3")
	ch2, cancel2 := b.Subscribe("s3")
	defer cancel2()

	b.Publish(event("s3", 0))
	collect(t, ch1, 1)
	collect(t, ch2, 1)

	cancel1()
	b.Publish(event("s3", 1))

	got := collect(t, ch2, 1)
	if got[0].Message != "event-1" {
		t.Fatalf("surviving subscriber missed an event: %q", got[0].Message)
	}
}

func TestBusTerminalEventDeliveredBeforeClose(t *testing.T) {
	t.Parallel()
	b := New()
	ch, cancel := b.Subscribe("s4")
	defer cancel()

	for i := 0; i < 50; i++ {
		b.Publish(event("s4", i))
	}
	b.Publish(research.NewEvent(research.EventResearchCompleted, "s4", "done"))
	b.EndSession("s4")

	var last research.Event
	count := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				if count != 51 {
					t.Fatalf("expected all 51 events before close, got %d", count)
				}
				if last.Type != research.EventResearchCompleted {
					t.Fatalf("terminal event must arrive before the stream closes, got %s", last.Type)
				}
				return
			}
			last = ev
			count++
		case <-timeout:
			t.Fatalf("stream never closed, got %d events", count)
		}
	}
}

func TestBusEndedSessionYieldsClosedChannel(t *testing.T) {
	t.Parallel()
	b := New()
	b.EndSession("s5")

	ch, cancel := b.Subscribe("s5")
	defer cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("subscription to an ended session must be closed immediately")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel for ended session never closed")
	}
}

func TestBusEndedEntriesExpire(t *testing.T) {
	t.Parallel()
	b := New()
	b.retention = 0

	b.EndSession("s7")
	time.Sleep(5 * time.Millisecond)
	// Ending another session sweeps s7 out of the ended set.
	b.EndSession("s8")

	ch, cancel := b.Subscribe("s7")
	defer cancel()
	b.Publish(event("s7", 0))
	got := collect(t, ch, 1)
	if got[0].Message != "event-0" {
		t.Fatalf("expired ended entry must allow a fresh live session, got %q", got[0].Message)
	}

	// s8's entry is younger than the sweep, so it still reads as ended.
	ch2, cancel2 := b.Subscribe("s8")
	defer cancel2()
	select {
	case _, open := <-ch2:
		if open {
			t.Fatalf("recently ended session must still yield a closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel for recently ended session never closed")
	}
}

func TestBusPublisherNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, cancel := b.Subscribe("s6")
	defer cancel()

	// Far more events than the subscriber channel buffers, consumed by nobody.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(event("s6", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The lagging subscriber still gets everything, in order.
	got := collect(t, ch, 10000)
	for i, ev := range got {
		if ev.Message != fmt.Sprintf("event-%d", i) {
			t.Fatalf("event %d out of order: %q", i, ev.Message)
		}
	}
}
