package vectorindex

type candidate struct {
	node uint32
	dist float32
}

// queue is a binary heap of candidates; a max-heap keeps the worst on top.
type queue struct {
	isMaxHeap bool
	items     []candidate
}

func newQueue(isMaxHeap bool, capacity int) *queue {
	return &queue{isMaxHeap: isMaxHeap, items: make([]candidate, 0, capacity)}
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) top() candidate { return q.items[0] }

func (q *queue) less(i, j int) bool {
	if q.isMaxHeap {
		return q.items[i].dist > q.items[j].dist
	}
	return q.items[i].dist < q.items[j].dist
}

func (q *queue) push(c candidate) {
	q.items = append(q.items, c)
	i := len(q.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *queue) pop() candidate {
	n := len(q.items)
	c := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	q.siftDown(0)
	return c
}

func (q *queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		child := left
		if right := left + 1; right < n && q.less(right, left) {
			child = right
		}
		if !q.less(child, i) {
			return
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}

// sorted drains the queue into ascending distance order.
func (q *queue) sorted() []candidate {
	out := make([]candidate, len(q.items))
	if q.isMaxHeap {
		for i := len(out) - 1; i >= 0; i-- {
			out[i] = q.pop()
		}
	} else {
		for i := range out {
			out[i] = q.pop()
		}
	}
	return out
}
