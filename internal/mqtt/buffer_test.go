package mqtt

import (
	"fmt"
	"testing"
)

func eventMsg(n int) bufferedMsg {
	return bufferedMsg{
		topic:   TopicEvents,
		payload: []byte(fmt.Sprintf(`{"seq":%d}`, n)),
	}
}

func TestOutboxEmptyDrain(t *testing.T) {
	o := newOutbox(10)
	if got := o.drainAll(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestOutboxDrainsOldestFirst(t *testing.T) {
	o := newOutbox(10)
	for i := 0; i < 5; i++ {
		o.push(eventMsg(i))
	}

	got := o.drainAll()
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %d", len(got))
	}
	for i, msg := range got {
		if want := string(eventMsg(i).payload); string(msg.payload) != want {
			t.Errorf("item %d: payload = %s, want %s", i, msg.payload, want)
		}
	}

	if got := o.drainAll(); got != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got))
	}
}

func TestOutboxOverflowKeepsNewest(t *testing.T) {
	o := newOutbox(5)
	// Eight pushes into a ring of five: the oldest three fall off.
	for i := 0; i < 8; i++ {
		o.push(eventMsg(i))
	}

	got := o.drainAll()
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %d", len(got))
	}
	for i, msg := range got {
		if want := string(eventMsg(i + 3).payload); string(msg.payload) != want {
			t.Errorf("item %d: payload = %s, want %s", i, msg.payload, want)
		}
	}
}

func TestOutboxReusableAcrossOutages(t *testing.T) {
	o := newOutbox(5)

	for i := 0; i < 3; i++ {
		o.push(eventMsg(i))
	}
	if got := o.drainAll(); len(got) != 3 {
		t.Fatalf("first outage: expected 3 items, got %d", len(got))
	}

	// A second outage wraps the ring past its end.
	for i := 10; i < 14; i++ {
		o.push(eventMsg(i))
	}
	got := o.drainAll()
	if len(got) != 4 {
		t.Fatalf("second outage: expected 4 items, got %d", len(got))
	}
	for i, msg := range got {
		if want := string(eventMsg(10 + i).payload); string(msg.payload) != want {
			t.Errorf("item %d: payload = %s, want %s", i, msg.payload, want)
		}
	}
}

func TestOutboxLen(t *testing.T) {
	o := newOutbox(10)
	if o.len() != 0 {
		t.Errorf("expected len 0, got %d", o.len())
	}

	o.push(eventMsg(0))
	o.push(eventMsg(1))
	if o.len() != 2 {
		t.Errorf("expected len 2, got %d", o.len())
	}

	o.drainAll()
	if o.len() != 0 {
		t.Errorf("expected len 0 after drain, got %d", o.len())
	}
}

func TestOutboxKeepsMessageFields(t *testing.T) {
	o := newOutbox(10)
	o.push(bufferedMsg{
		topic:    TopicSystem,
		payload:  []byte(`{"status":{"event":"STARTUP"}}`),
		qos:      1,
		retained: true,
	})

	got := o.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].topic != TopicSystem {
		t.Errorf("topic: got %s, want %s", got[0].topic, TopicSystem)
	}
	if string(got[0].payload) != `{"status":{"event":"STARTUP"}}` {
		t.Errorf("payload: got %s", got[0].payload)
	}
	if got[0].qos != 1 {
		t.Errorf("qos: got %d, want 1", got[0].qos)
	}
	if !got[0].retained {
		t.Error("retained: got false, want true")
	}
}
