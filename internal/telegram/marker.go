package telegram

import "sync"

// maxTrackedCopies is the number of recent relay copy ids retained per chat.
// Replies to anything older are treated as replies to a bot notice, which
// degrades to an unthreaded delivery rather than a wrong one.
const maxTrackedCopies = 64

// copyTracker remembers, per chat, the message ids of recent relay copies the
// bot delivered there. The router uses it to tell a reply to a relayed
// partner message apart from a reply to a bot notice. It is goroutine-safe
// and uses a ring buffer internally.
type copyTracker struct {
	mu      sync.RWMutex
	buffers map[int64]*idRing // chat id -> ring of copy message ids
}

type idRing struct {
	items []int
	pos   int
	count int
}

func newCopyTracker() *copyTracker {
	return &copyTracker{
		buffers: make(map[int64]*idRing),
	}
}

// Track records a relay copy delivered to chatID. If the ring is full the
// oldest id is overwritten.
func (t *copyTracker) Track(chatID int64, messageID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rb, ok := t.buffers[chatID]
	if !ok {
		rb = &idRing{
			items: make([]int, maxTrackedCopies),
		}
		t.buffers[chatID] = rb
	}

	rb.items[rb.pos] = messageID
	rb.pos = (rb.pos + 1) % maxTrackedCopies
	if rb.count < maxTrackedCopies {
		rb.count++
	}
}

// IsCopy reports whether messageID in chatID is a tracked relay copy.
func (t *copyTracker) IsCopy(chatID int64, messageID int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rb, ok := t.buffers[chatID]
	if !ok {
		return false
	}
	for i := 0; i < rb.count; i++ {
		if rb.items[i] == messageID {
			return true
		}
	}
	return false
}

// Forget drops the tracking state for a chat.
func (t *copyTracker) Forget(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.buffers, chatID)
}
