package webrtc

import (
	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"
)

// candidateQueue holds remote ICE candidates that arrived before the remote
// description. It is owned by the adapter worker and needs no locking.
type candidateQueue struct {
	pending deque.Deque[webrtc.ICECandidateInit]
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	q.pending.PushBack(c)
}

func (q *candidateQueue) len() int {
	return q.pending.Len()
}

// flush hands every buffered candidate to apply in arrival order and empties
// the queue. It returns how many were applied without error.
func (q *candidateQueue) flush(apply func(webrtc.ICECandidateInit) error) int {
	applied := 0
	for q.pending.Len() > 0 {
		if err := apply(q.pending.PopFront()); err == nil {
			applied++
		}
	}
	return applied
}
