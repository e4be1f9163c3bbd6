// Package frame provides the reassembly buffer for notification fragments.
package frame

import (
	"sync"
	"time"
)

// DefaultMaxFrameBytes bounds how much a device may stream without producing a
// decodable frame. The cap is enforced by the acquisition loop, not here.
const DefaultMaxFrameBytes = 4096

// Buffer accumulates raw bytes arriving from a notification stream, in
// arrival order. It carries no decoding logic so that protocol strategies can
// be retried against the full sequence after every fragment.
type Buffer struct {
	mu            sync.Mutex
	data          []byte
	firstByteAt   time.Time
	notifications int
}

// NewBuffer creates an empty reassembly buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a fragment to the end of the buffer. The fragment is copied;
// the caller may reuse its slice. Append never fails.
func (b *Buffer) Append(fragment []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 && len(fragment) > 0 {
		b.firstByteAt = time.Now()
	}
	b.data = append(b.data, fragment...)
	b.notifications++
}

// Snapshot returns a copy of the accumulated byte sequence.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Notifications returns how many fragments have been appended, including
// empty ones.
func (b *Buffer) Notifications() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifications
}

// FirstByteAt returns the arrival time of the first byte, or the zero time if
// nothing has arrived yet.
func (b *Buffer) FirstByteAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstByteAt
}

// Reset discards all accumulated bytes and metadata.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.firstByteAt = time.Time{}
	b.notifications = 0
}
