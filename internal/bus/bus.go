// Package bus carries mailcam state to and from an MQTT broker.
package bus

import (
	"sync"
)

// Publisher sends a payload to a topic. Implementations never block on the
// network and never return errors to the caller; failures are logged.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool)
}

// Message is a single published payload.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
	QoS      byte
}

// Topics names every topic the detector publishes to.
type Topics struct {
	Base    string // carrier and summary topics live under it
	State   string
	Details string
}

// DefaultTopics returns the stock topic layout.
func DefaultTopics() Topics {
	return Topics{Base: "mailcam", State: "mailcam/state", Details: "mailcam/details"}
}

// Carrier returns the yes/no topic of one carrier.
func (t Topics) Carrier(carrier string) string {
	return t.Base + "/carriers/" + carrier
}

// Summary returns the daily summary topic.
func (t Topics) Summary() string {
	return t.Base + "/daily_summary"
}

// Recorder is an in-memory Publisher.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish records the message.
func (r *Recorder) Publish(topic string, payload []byte, retained bool) {
	r.PublishQoS(topic, 0, payload, retained)
}

// PublishQoS records the message with an explicit QoS.
func (r *Recorder) PublishQoS(topic string, qos byte, payload []byte, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Retained: retained,
		QoS:      qos,
	})
}

// Messages returns every recorded message in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Last returns the most recent message on topic.
func (r *Recorder) Last(topic string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Topic == topic {
			return r.messages[i], true
		}
	}
	return Message{}, false
}

// Count returns how many messages were published to topic.
func (r *Recorder) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

// Reset drops every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
