package events

// Event represents a structured state change emitted by the core engines.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (notification
// collaborator, RPC stream, indexers). Delivery is fire-and-forget: emitting
// must never block or fail a core operation.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into every engine until a real sink is attached.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// ChannelEmitter delivers events over a buffered channel and drops them when
// the buffer is full, so a slow consumer can never stall a payment.
type ChannelEmitter struct {
	ch chan Event
}

// NewChannelEmitter constructs an emitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Emit implements the Emitter interface.
func (c *ChannelEmitter) Emit(evt Event) {
	if c == nil || evt == nil {
		return
	}
	select {
	case c.ch <- evt:
	default:
	}
}

// Events exposes the receive side of the channel.
func (c *ChannelEmitter) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.ch
}

// MultiEmitter fans a single event out to several sinks in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(evt)
		}
	}
}
