package shell

import (
	"strings"
	"sync"
)

// Buffer accumulates session output and relays every appended chunk to at most
// one subscriber. Delivery is synchronous and happens in append order, so a
// slow subscriber throttles the command that produced the output. Subscribers
// must not call back into the Buffer.
type Buffer struct {
	mu         sync.Mutex
	text       strings.Builder
	subscriber func(string)
}

// Subscribe installs fn as the only subscriber, replacing any previous one.
// A nil fn removes the subscriber.
func (b *Buffer) Subscribe(fn func(string)) {
	b.mu.Lock()
	b.subscriber = fn
	b.mu.Unlock()
}

// Append records s and hands it to the subscriber, if any.
func (b *Buffer) Append(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(s)
	if b.subscriber != nil {
		b.subscriber(s)
	}
}

// Write lets a Buffer stand in as an io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(string(p))
	return len(p), nil
}

// Flush is called when the session closes. Delivery is already synchronous,
// so there is nothing pending.
func (b *Buffer) Flush() {}

// String returns everything appended so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}
