package pipeline

import (
	"time"

	"github.com/flashembed/flashembed/internal/domain"
)

// Batcher groups items under a size-or-deadline policy. It is not safe for
// concurrent use; only the batch stage goroutine touches it.
type Batcher struct {
	maxSize  int
	maxDelay time.Duration
	now      func() time.Time

	buf      []*domain.Item
	deadline time.Time
}

// NewBatcher creates a batcher whose first deadline is now + maxDelay.
func NewBatcher(maxSize int, maxDelay time.Duration) *Batcher {
	return newBatcherWithClock(maxSize, maxDelay, time.Now)
}

func newBatcherWithClock(maxSize int, maxDelay time.Duration, now func() time.Time) *Batcher {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Batcher{
		maxSize:  maxSize,
		maxDelay: maxDelay,
		now:      now,
		buf:      make([]*domain.Item, 0, maxSize),
		deadline: now().Add(maxDelay),
	}
}

// Add buffers item and returns a batch when the buffer is full or the
// deadline has passed. Size is checked before time.
func (b *Batcher) Add(item *domain.Item) *domain.Batch {
	b.buf = append(b.buf, item)
	if len(b.buf) >= b.maxSize {
		return b.Flush()
	}
	if !b.now().Before(b.deadline) && len(b.buf) > 0 {
		return b.Flush()
	}
	return nil
}

// Flush emits whatever is buffered. An empty flush returns nil but still
// pushes the deadline forward.
func (b *Batcher) Flush() *domain.Batch {
	b.deadline = b.now().Add(b.maxDelay)
	if len(b.buf) == 0 {
		return nil
	}
	items := make([]*domain.Item, len(b.buf))
	copy(items, b.buf)
	b.buf = b.buf[:0]
	return &domain.Batch{Items: items}
}

// Pending returns the number of buffered items.
func (b *Batcher) Pending() int { return len(b.buf) }

// Deadline returns the time at which the next Add will flush a partial batch.
func (b *Batcher) Deadline() time.Time { return b.deadline }
