package blocknode

import (
	"sync"
	"time"
)

// HighLatencyResult is the outcome of evaluating one acknowledgement.
type HighLatencyResult struct {
	// Time between sending the block proof and receiving the
	// acknowledgement. Zero when the send time is unknown.
	Latency                      time.Duration
	ConsecutiveHighLatencyEvents int
	IsHighLatency                bool
	// ShouldSwitch is set once per streak of high latency acknowledgements.
	ShouldSwitch bool
}

// NodeStats is bookkeeping about a block node that outlives its
// connections: recent EndOfStream responses for rate limiting and block
// proof send times for latency tracking.
type NodeStats struct {
	mtx                    sync.Mutex
	endOfStreams           []time.Time
	proofSentAt            map[int64]time.Time
	consecutiveHighLatency int
}

// NewNodeStats returns empty stats.
func NewNodeStats() *NodeStats {
	return &NodeStats{proofSentAt: make(map[int64]time.Time)}
}

// EndOfStreamCount returns the number of EndOfStream responses still inside
// the window of the last check.
func (s *NodeStats) EndOfStreamCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.endOfStreams)
}

// AddEndOfStreamAndCheckLimit records an EndOfStream response received at
// ts, forgets the ones older than window before ts and reports whether more
// than maxAllowed remain.
func (s *NodeStats) AddEndOfStreamAndCheckLimit(ts time.Time, maxAllowed int, window time.Duration) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.endOfStreams = append(s.endOfStreams, ts)

	cutoff := ts.Add(-window)
	kept := s.endOfStreams[:0]
	for _, t := range s.endOfStreams {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	s.endOfStreams = kept

	return len(s.endOfStreams) > maxAllowed
}

// RecordBlockProofSent remembers when the proof of a block was sent.
func (s *NodeStats) RecordBlockProofSent(blockNumber int64, ts time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.proofSentAt[blockNumber] = ts
}

// RecordAcknowledgementAndEvaluate consumes the send times of every block up
// to blockNumber and evaluates the latency of blockNumber itself. An
// acknowledgement for a block whose proof was never sent to this node leaves
// the high latency streak untouched.
func (s *NodeStats) RecordAcknowledgementAndEvaluate(
	blockNumber int64,
	ackTime time.Time,
	threshold time.Duration,
	eventsBeforeSwitch int,
) HighLatencyResult {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sentAt, found := s.proofSentAt[blockNumber]
	for n := range s.proofSentAt {
		if n <= blockNumber {
			delete(s.proofSentAt, n)
		}
	}

	if !found {
		return HighLatencyResult{ConsecutiveHighLatencyEvents: s.consecutiveHighLatency}
	}

	res := HighLatencyResult{Latency: ackTime.Sub(sentAt)}
	res.IsHighLatency = res.Latency > threshold
	if !res.IsHighLatency {
		s.consecutiveHighLatency = 0
		return res
	}

	s.consecutiveHighLatency++
	res.ConsecutiveHighLatencyEvents = s.consecutiveHighLatency
	if s.consecutiveHighLatency >= eventsBeforeSwitch {
		res.ShouldSwitch = true
		s.consecutiveHighLatency = 0
	}
	return res
}

// pendingProofs returns the number of proofs awaiting acknowledgement.
func (s *NodeStats) pendingProofs() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.proofSentAt)
}
