// Package metrics provides metrics collection and calculation.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// StreamingLatencyStats provides efficient streaming percentile calculation.
// Uses reservoir sampling for percentile estimation without storing all samples.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	// Algorithm R (Vitter)
	reservoir     []float64
	reservoirSize int
	seen          int64

	buckets      []int64
	bucketBounds []float64
	bucketLabels []string

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize is the number of samples kept for percentile
// estimation. 10000 gives <1% error at p99.
const DefaultReservoirSize = 10000

// SubmitLatencyBounds are the bucket upper bounds, in milliseconds, for a
// round-trip to a local node.
var SubmitLatencyBounds = []float64{1, 5, 20, 100}

// NewStreamingLatencyStats creates a calculator with the given bucket upper
// bounds in milliseconds, ascending. Nil uses SubmitLatencyBounds.
func NewStreamingLatencyStats(bounds []float64) *StreamingLatencyStats {
	if bounds == nil {
		bounds = SubmitLatencyBounds
	}
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(bounds)+1),
		bucketBounds:  bounds,
		bucketLabels:  bucketLabels(bounds),
		randState:     1,
	}
}

func bucketLabels(bounds []float64) []string {
	labels := make([]string, 0, len(bounds)+1)
	lower := 0.0
	for _, b := range bounds {
		labels = append(labels, fmt.Sprintf("%g-%gms", lower, b))
		lower = b
	}
	return append(labels, fmt.Sprintf("%gms+", lower))
}

// Add records a latency sample in milliseconds.
// This is O(1) amortized and safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.seen++

	if latencyMs < s.min {
		s.min = latencyMs
	}
	if latencyMs > s.max {
		s.max = latencyMs
	}

	s.buckets[s.bucketIndex(latencyMs)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
	} else {
		// Replace with probability reservoirSize/seen
		j := s.fastRand() % uint64(s.seen)
		if j < uint64(s.reservoirSize) {
			s.reservoir[j] = latencyMs
		}
	}
}

func (s *StreamingLatencyStats) bucketIndex(latencyMs float64) int {
	for i, bound := range s.bucketBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(s.bucketBounds)
}

// fastRand is xorshift64*. Not cryptographically secure.
func (s *StreamingLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// GetStats returns the current latency statistics, nil when empty.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
	for i, c := range s.buckets {
		stats.Buckets = append(stats.Buckets, types.LatencyBucket{Label: s.bucketLabels[i], Count: int(c)})
	}
	return stats
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}
