package conversation

import "sync"

// Transcript is an append-only, totally ordered message history.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
}

// Append adds msg after every earlier message.
func (t *Transcript) Append(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the history in order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// Images returns every attachment exchanged so far, in order.
func (t *Transcript) Images() []*Attachment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Attachment
	for _, m := range t.messages {
		if m.Image != nil {
			out = append(out, m.Image)
		}
	}
	return out
}
