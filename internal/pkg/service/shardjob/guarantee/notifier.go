package guarantee

import (
	"sort"
	"sync"
)

// notifier broadcasts a signal to all current waiters, the channel is closed and replaced by each Notify.
type notifier struct {
	lock *sync.Mutex
	ch   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{lock: &sync.Mutex{}, ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Notify call.
func (n *notifier) Wait() <-chan struct{} {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.ch
}

func (n *notifier) Notify() {
	n.lock.Lock()
	defer n.lock.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
