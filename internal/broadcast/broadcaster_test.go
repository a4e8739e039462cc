package broadcast

import (
	"sync"
	"testing"
	"time"
)

func TestPublish_ReachesAllProjectSubscribers(t *testing.T) {
	b := New(8)
	ch1, cancel1 := b.Subscribe("proj-a")
	ch2, cancel2 := b.Subscribe("proj-a")
	chOther, cancelOther := b.Subscribe("proj-b")
	defer cancel1()
	defer cancel2()
	defer cancelOther()

	delivered := b.Publish(Event{Type: "message", ProjectID: "proj-a"})
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "message" {
				t.Fatalf("event type = %q", e.Type)
			}
			if e.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case e := <-chOther:
		t.Fatalf("proj-b subscriber received proj-a event: %+v", e)
	default:
	}
}

func TestUnsubscribe_RemovesAndCleansEmptySets(t *testing.T) {
	b := New(8)
	ch, cancel := b.Subscribe("proj-a")

	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	if got := b.SubscriberCount("proj-a"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
	if _, ok := b.byProject["proj-a"]; ok {
		t.Fatal("empty project set should be removed")
	}

	// Double cancel must be safe.
	cancel()

	if delivered := b.Publish(Event{Type: "message", ProjectID: "proj-a"}); delivered != 0 {
		t.Fatalf("publish after unsubscribe delivered %d", delivered)
	}
}

func TestPublish_FullSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1)
	slow, cancelSlow := b.Subscribe("proj-a")
	fast, cancelFast := b.Subscribe("proj-a")
	defer cancelSlow()
	defer cancelFast()

	// Fill the slow subscriber's buffer and never drain it.
	b.Publish(Event{Type: "one", ProjectID: "proj-a"})
	<-fast

	done := make(chan int)
	go func() {
		done <- b.Publish(Event{Type: "two", ProjectID: "proj-a"})
	}()

	select {
	case delivered := <-done:
		if delivered != 2 {
			t.Fatalf("delivered = %d, want 2 (stale entry dropped for slow)", delivered)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	// Slow subscriber sees the newest event; the stale one was dropped.
	if e := <-slow; e.Type != "two" {
		t.Fatalf("slow subscriber got %q, want two", e.Type)
	}
}

func TestClose_ClosesAllChannels(t *testing.T) {
	b := New(4)
	ch, _ := b.Subscribe("proj-a")
	b.Close()

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after broadcaster Close")
	}

	late, cancel := b.Subscribe("proj-a")
	defer cancel()
	if _, open := <-late; open {
		t.Fatal("subscribe after close should return a closed channel")
	}
	if delivered := b.Publish(Event{ProjectID: "proj-a"}); delivered != 0 {
		t.Fatalf("publish after close delivered %d", delivered)
	}
}

func TestPublish_SurvivesConcurrentUnsubscribe(t *testing.T) {
	b := New(1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				b.Publish(Event{ProjectID: "proj-a", Type: "tick"})
			}
		}
	}()

	// Subscribers come and go while the publish loop runs. A cancel
	// landing mid-fanout must never panic the publisher.
	for i := 0; i < 500; i++ {
		ch, cancel := b.Subscribe("proj-a")
		go func() {
			for range ch {
			}
		}()
		cancel()
	}

	close(done)
	wg.Wait()

	if n := b.SubscriberCount("proj-a"); n != 0 {
		t.Fatalf("subscriber count = %d after all cancels, want 0", n)
	}
}
