package webrtc

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestCandidateQueue_FlushesInArrivalOrder(t *testing.T) {
	var q candidateQueue
	q.push(webrtc.ICECandidateInit{Candidate: "a"})
	q.push(webrtc.ICECandidateInit{Candidate: "b"})
	q.push(webrtc.ICECandidateInit{Candidate: "c"})
	assert.Equal(t, 3, q.len())

	var order []string
	applied := q.flush(func(c webrtc.ICECandidateInit) error {
		order = append(order, c.Candidate)
		if c.Candidate == "b" {
			return errors.New("rejected")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 2, applied)
	assert.Equal(t, 0, q.len())
}

func TestCandidateQueue_FlushEmpty(t *testing.T) {
	var q candidateQueue
	assert.Equal(t, 0, q.flush(func(webrtc.ICECandidateInit) error {
		t.Fatal("nothing to apply")
		return nil
	}))
}
