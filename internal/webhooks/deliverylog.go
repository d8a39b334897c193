package webhooks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLogSize = 256

// DeliveryLog keeps the most recent delivery attempts in memory.
type DeliveryLog struct {
	mu    sync.Mutex
	items []Delivery
	next  int
	full  bool
}

// NewDeliveryLog creates a log holding up to size entries.
func NewDeliveryLog(size int) *DeliveryLog {
	if size <= 0 {
		size = defaultLogSize
	}
	return &DeliveryLog{items: make([]Delivery, size)}
}

// Record stores d, evicting the oldest entry when full.
func (l *DeliveryLog) Record(d Delivery) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[l.next] = d
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to n entries, newest first.
func (l *DeliveryLog) Recent(n int) []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.items)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Delivery, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.items)) % len(l.items)
		out = append(out, l.items[idx])
	}
	return out
}
