package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: EventNotificationSent, Data: "payload"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != EventNotificationSent || e.Data != "payload" {
				t.Fatalf("event = %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("publish did not stamp time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish overflows the buffer; both must return immediately.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: EventAlertTriggered})
		b.Publish(Event{Type: EventAlertTriggered})
		b.Publish(Event{Type: EventAlertTriggered})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventTrendsUpdated})
		}
		close(done)
	}()
	unsub()
	unsub() // idempotent
	<-done

	// Publishing after the last subscriber left is a no-op.
	b.Publish(Event{Type: EventTrendsUpdated})
}
