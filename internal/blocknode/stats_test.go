package blocknode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var statsEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestEndOfStreamLimit(t *testing.T) {
	stats := NewNodeStats()
	window := 10 * time.Second

	for i := 0; i < 5; i++ {
		ts := statsEpoch.Add(time.Duration(i) * time.Second)
		require.False(t, stats.AddEndOfStreamAndCheckLimit(ts, 5, window), "event %d", i+1)
	}
	require.True(t, stats.AddEndOfStreamAndCheckLimit(statsEpoch.Add(5*time.Second), 5, window))
	require.Equal(t, 6, stats.EndOfStreamCount())
}

func TestEndOfStreamWindowSlides(t *testing.T) {
	stats := NewNodeStats()
	window := 10 * time.Second

	for i := 0; i < 5; i++ {
		require.False(t, stats.AddEndOfStreamAndCheckLimit(statsEpoch, 5, window))
	}

	// the first five fell out of the window
	require.False(t, stats.AddEndOfStreamAndCheckLimit(statsEpoch.Add(11*time.Second), 5, window))
	require.Equal(t, 1, stats.EndOfStreamCount())
}

func TestEndOfStreamCountNeverExceedsEventsInWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stats := NewNodeStats()
		window := time.Duration(rapid.Int64Range(1, 60).Draw(t, "window").(int64)) * time.Second
		gaps := rapid.SliceOfN(rapid.Int64Range(0, 20), 1, 50).Draw(t, "gaps").([]int64)

		var events []time.Time
		ts := statsEpoch
		for _, gap := range gaps {
			ts = ts.Add(time.Duration(gap) * time.Second)
			events = append(events, ts)

			exceeded := stats.AddEndOfStreamAndCheckLimit(ts, 3, window)

			inWindow := 0
			for _, e := range events {
				if !e.Before(ts.Add(-window)) {
					inWindow++
				}
			}
			if stats.EndOfStreamCount() != inWindow {
				t.Fatalf("count %d, expected %d", stats.EndOfStreamCount(), inWindow)
			}
			if exceeded != (inWindow > 3) {
				t.Fatalf("exceeded %v with %d events in window", exceeded, inWindow)
			}
		}
	})
}

func TestAcknowledgementWithoutProofSent(t *testing.T) {
	stats := NewNodeStats()

	result := stats.RecordAcknowledgementAndEvaluate(107, statsEpoch, time.Second, 1)
	require.Equal(t, HighLatencyResult{}, result)
}

func TestHighLatencySwitch(t *testing.T) {
	stats := NewNodeStats()
	threshold := 30 * time.Second

	ack := func(n int64, latency time.Duration) HighLatencyResult {
		sent := statsEpoch.Add(time.Duration(n) * time.Minute)
		stats.RecordBlockProofSent(n, sent)
		return stats.RecordAcknowledgementAndEvaluate(n, sent.Add(latency), threshold, 3)
	}

	res := ack(1, 31*time.Second)
	assert.True(t, res.IsHighLatency)
	assert.False(t, res.ShouldSwitch)
	assert.Equal(t, 1, res.ConsecutiveHighLatencyEvents)
	assert.Equal(t, 31*time.Second, res.Latency)

	// a fast acknowledgement breaks the streak
	res = ack(2, time.Second)
	assert.False(t, res.IsHighLatency)
	assert.Equal(t, 0, res.ConsecutiveHighLatencyEvents)

	ack(3, time.Minute)
	ack(4, time.Minute)
	res = ack(5, time.Minute)
	assert.True(t, res.ShouldSwitch)
	assert.Equal(t, 3, res.ConsecutiveHighLatencyEvents)

	// the streak starts over after a switch
	res = ack(6, time.Minute)
	assert.False(t, res.ShouldSwitch)
	assert.Equal(t, 1, res.ConsecutiveHighLatencyEvents)
}

func TestAcknowledgementConsumesEarlierProofs(t *testing.T) {
	stats := NewNodeStats()
	for n := int64(1); n <= 5; n++ {
		stats.RecordBlockProofSent(n, statsEpoch)
	}
	require.Equal(t, 5, stats.pendingProofs())

	stats.RecordAcknowledgementAndEvaluate(3, statsEpoch.Add(time.Second), time.Minute, 1)
	require.Equal(t, 2, stats.pendingProofs())

	// a stale acknowledgement keeps the streak
	res := stats.RecordAcknowledgementAndEvaluate(2, statsEpoch.Add(time.Second), time.Minute, 1)
	require.False(t, res.IsHighLatency)
	require.Equal(t, 2, stats.pendingProofs())
}
