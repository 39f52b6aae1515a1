package events

// Sink receives fire-and-forget events. Implementations must not block the
// caller or report failures back to it.
type Sink interface {
	Publish(eventType EventType, data map[string]interface{})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(EventType, map[string]interface{}) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Publish(eventType EventType, data map[string]interface{}) {
	for _, s := range m {
		if s != nil {
			s.Publish(eventType, data)
		}
	}
}
