package pipe

// Message is the unit that crosses a stage boundary: either a carried value
// or an end sentinel. Each worker produces exactly one end sentinel, after
// its final value; a sentinel may carry the fault that terminated the worker
// so downstream barriers never stall on a crashed producer.
type Message struct {
	payload any
	end     bool
	fault   error
}

// Value wraps a payload in a value message.
func Value(v any) Message {
	return Message{payload: v}
}

// End returns the termination sentinel.
func End() Message {
	return Message{end: true}
}

// EndWith returns a termination sentinel tagged with the fault that ended
// the producing worker.
func EndWith(fault error) Message {
	return Message{end: true, fault: fault}
}

// Payload returns the carried value. It is nil for sentinels.
func (m Message) Payload() any { return m.payload }

// IsEnd reports whether m is a termination sentinel.
func (m Message) IsEnd() bool { return m.end }

// Fault returns the fault attached to a sentinel, if any.
func (m Message) Fault() error { return m.fault }
