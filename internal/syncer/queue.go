package syncer

import (
	"sync"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
)

// work is one queued item: a local store event or a remote change.
type work struct {
	local  *store.Event
	remote *remoteChange
}

type remoteChange struct {
	action string
	record api.Record
}

// workQueue is an unbounded FIFO. push never blocks, so it is safe to
// call from the store's synchronous callback.
type workQueue struct {
	mu     sync.Mutex
	items  []work
	notify chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{notify: make(chan struct{}, 1)}
}

func (q *workQueue) push(w work) {
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued.
func (q *workQueue) drain() []work {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
