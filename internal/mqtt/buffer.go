package mqtt

import "log"

// bufferedMsg is one publish held back while the broker link is down.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is a fixed-size ring of messages awaiting reconnection. Once full
// the oldest message is overwritten, so a long outage keeps the most recent
// valve telemetry. Callers must hold the publisher lock.
type outbox struct {
	msgs    []bufferedMsg
	size    int
	start   int // index of the oldest message
	count   int
	dropped bool // a drop has been logged since the last drain
}

func newOutbox(size int) *outbox {
	return &outbox{
		msgs: make([]bufferedMsg, size),
		size: size,
	}
}

func (o *outbox) push(msg bufferedMsg) {
	if o.count == o.size {
		if !o.dropped {
			log.Printf("mqtt: offline buffer full (%d messages), dropping oldest", o.size)
			o.dropped = true
		}
		o.msgs[o.start] = msg
		o.start = (o.start + 1) % o.size
		return
	}
	o.msgs[(o.start+o.count)%o.size] = msg
	o.count++
}

// drainAll returns the held messages oldest-first and empties the ring.
func (o *outbox) drainAll() []bufferedMsg {
	if o.count == 0 {
		return nil
	}
	out := make([]bufferedMsg, 0, o.count)
	for i := 0; i < o.count; i++ {
		out = append(out, o.msgs[(o.start+i)%o.size])
	}
	o.start = 0
	o.count = 0
	o.dropped = false
	return out
}

func (o *outbox) len() int { return o.count }
