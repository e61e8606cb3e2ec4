package jobs

// runQueue is a min-heap of running jobs for container/heap. Lower priority numbers
// pop first; equal priorities pop in identity order, so jobs admitted earlier win ties.
type runQueue []*record

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].id < q[j].id
}

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *runQueue) Push(x any) {
	rec := x.(*record)
	rec.index = len(*q)
	*q = append(*q, rec)
}

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*q = old[:n-1]
	return rec
}
