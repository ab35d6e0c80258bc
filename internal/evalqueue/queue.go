package evalqueue

import (
	"container/heap"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

type Kind string

const (
	KindProfile Kind = "profile"
	KindAsset   Kind = "asset"
)

// Item asks the worker to evaluate one subject. For profiles SubjectID is
// the user id; for assets it is the asset id and OwnerID the spawning user.
type Item struct {
	Kind        Kind
	SubjectID   string
	OwnerID     string
	Priority    int
	Fingerprint string

	seq uint64
}

// Fingerprint hashes kind and text after collapsing whitespace runs, so
// reflowed copies of the same text share a cache entry while profile and
// asset results, classified under different prompts, never do.
func Fingerprint(kind Kind, text string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.Join(strings.Fields(text), " ")))
	return hex.EncodeToString(h.Sum(nil))
}

// Queue is a priority queue of items: higher priority first, FIFO among
// equal priorities. Push signals Wake without blocking.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(it Item) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake fires after at least one Push since the last receive.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
