package queue

import (
	"sync"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// broadcaster fans resolution events out to subscribers. Slow subscribers
// miss events rather than stall a flush.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan types.Resolution
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan types.Resolution)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan types.Resolution, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.Resolution, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(r types.Resolution) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}
