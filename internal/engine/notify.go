package engine

import (
	"context"
	"sync"
)

// notifier broadcasts the published sequence to waiters by closing and
// replacing a channel on every publication.
type notifier struct {
	mu  sync.Mutex
	seq uint64
	ch  chan struct{}
}

func newNotifier(seq uint64) *notifier {
	return &notifier{seq: seq, ch: make(chan struct{})}
}

func (n *notifier) publish(seq uint64) {
	n.mu.Lock()
	if seq > n.seq {
		n.seq = seq
	}
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

func (n *notifier) current() (uint64, <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq, n.ch
}

// wait blocks until the published sequence reaches seq, ctx ends, or done
// is closed.
func (n *notifier) wait(ctx context.Context, seq uint64, done <-chan struct{}) error {
	for {
		cur, ch := n.current()
		if cur >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			if cur, _ := n.current(); cur >= seq {
				return nil
			}
			return ErrClosed
		}
	}
}
