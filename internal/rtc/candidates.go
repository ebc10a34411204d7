package rtc

import "github.com/pion/webrtc/v4"

// candidateQueue holds ICE candidates that arrived before the remote
// description existed. Candidates are never dropped and never reordered; the
// queue is drained exactly once, when the remote description is first set.
type candidateQueue struct {
	pending []webrtc.ICECandidateInit
	drained bool
}

// Add appends a candidate in arrival order.
func (q *candidateQueue) Add(c webrtc.ICECandidateInit) {
	q.pending = append(q.pending, c)
}

// Drain hands every queued candidate to apply, in arrival order, then marks
// the queue drained. Subsequent candidates must be applied directly.
func (q *candidateQueue) Drain(apply func(webrtc.ICECandidateInit) error) []error {
	var errs []error
	for _, c := range q.pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	q.pending = nil
	q.drained = true
	return errs
}

// Drained reports whether the one-time drain already happened.
func (q *candidateQueue) Drained() bool { return q.drained }

// Len reports how many candidates are waiting.
func (q *candidateQueue) Len() int { return len(q.pending) }
