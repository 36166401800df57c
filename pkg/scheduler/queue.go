package scheduler

import (
	"container/heap"
	"sort"
	"time"
)

// FetchRequest is a validated request waiting for a worker.
type FetchRequest struct {
	SubjectID    int64
	DisplayName  string
	WantPrimary  bool
	WantConverts bool
	SubmitTime   time.Time
	PriorityKey  time.Time

	seq   uint64
	index int
}

// before orders requests by priority key, then by submission order.
func (r *FetchRequest) before(other *FetchRequest) bool {
	if !r.PriorityKey.Equal(other.PriorityKey) {
		return r.PriorityKey.Before(other.PriorityKey)
	}
	return r.seq < other.seq
}

// admissionQueue is a min-heap of requests. It implements heap.Interface
// and is only touched under the scheduler mutex.
type admissionQueue []*FetchRequest

func (q admissionQueue) Len() int           { return len(q) }
func (q admissionQueue) Less(i, j int) bool { return q[i].before(q[j]) }

func (q admissionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *admissionQueue) Push(x any) {
	req := x.(*FetchRequest)
	req.index = len(*q)
	*q = append(*q, req)
}

func (q *admissionQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*q = old[:n-1]
	return req
}

func (q *admissionQueue) push(req *FetchRequest) {
	heap.Push(q, req)
}

func (q *admissionQueue) pop() *FetchRequest {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*FetchRequest)
}

func (q *admissionQueue) remove(req *FetchRequest) {
	if req.index < 0 || req.index >= q.Len() || (*q)[req.index] != req {
		return
	}
	heap.Remove(q, req.index)
}

// ordered returns the requests in dispatch order without modifying the heap.
func (q admissionQueue) ordered() []*FetchRequest {
	out := make([]*FetchRequest, len(q))
	copy(out, q)
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}
