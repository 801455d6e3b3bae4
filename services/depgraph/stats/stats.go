// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats computes discrete distribution summaries over integral keys.
//
// The summaries are used to decide whether a candidate dependency graph is
// too large to build or display, for example by looking at the distribution
// of node degrees before handing a view to a renderer.
//
// # Dense Histograms
//
// Histogram covers every key between Min and Max inclusive, including keys
// that never occur in the input. Bucket-count statistics (MaxBucketCount,
// MinBucketCount, MeanBucketCount, SDBucketCount) are computed over that
// dense window, so a gap in the data contributes zero-count buckets.
//
// # Thread Safety
//
// Result values are immutable after Create returns and may be shared
// between goroutines.
package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

// MaxDenseRange is the widest [Min, Max] window Create will materialize.
const MaxDenseRange = 1 << 24

var (
	// ErrEmptyInput is returned when Create is given no values.
	// Min, Max and Mode are undefined for an empty set.
	ErrEmptyInput = errors.New("statistics input is empty")

	// ErrRangeTooLarge is returned when Max - Min exceeds MaxDenseRange.
	ErrRangeTooLarge = errors.New("statistics key range too large for dense histogram")
)

// Result is a read-only summary over a finite collection of keyed values.
type Result[K constraints.Integer] struct {
	// Count is the number of input values.
	Count int

	// Min is the smallest key.
	Min K

	// Max is the largest key.
	Max K

	// Mode is the most frequent key. Ties go to the key encountered first.
	Mode K

	// Mean is the arithmetic mean of the keys.
	Mean float64

	// BucketValues holds the distinct keys present in the input, ascending.
	BucketValues []K

	// Histogram maps every key in [Min, Max] to its occurrence count.
	Histogram map[K]int

	// MaxBucketCount is the largest count in the dense histogram.
	MaxBucketCount int

	// MinBucketCount is the smallest count in the dense histogram.
	MinBucketCount int

	// MeanBucketCount is the mean count over the dense histogram.
	MeanBucketCount float64

	// SDBucketCount is the population standard deviation of the dense counts.
	SDBucketCount float64
}

// Create summarizes values by the key selected from each one.
//
// Description:
//
//	Projects every value through keySelector and computes Min, Max, Mode,
//	Mean, a dense histogram over [Min, Max] and spread statistics over the
//	per-key counts of that histogram.
//
// Inputs:
//
//	values - The values to summarize. Order matters only for Mode ties.
//	keySelector - Projects a value to its integral key. Must not be nil.
//
// Outputs:
//
//	*Result[K] - The summary. Never nil when err is nil.
//	error - ErrEmptyInput for no values, ErrRangeTooLarge when the dense
//	window would exceed MaxDenseRange keys.
//
// Example:
//
//	res, err := stats.Create(nodes, func(n Node) int { return n.Degree })
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Max, res.CountAt(3))
func Create[S any, K constraints.Integer](values []S, keySelector func(S) K) (*Result[K], error) {
	if len(values) == 0 {
		return nil, ErrEmptyInput
	}
	if keySelector == nil {
		return nil, fmt.Errorf("key selector is required")
	}

	counts := make(map[K]int)
	order := make([]K, 0)

	first := keySelector(values[0])
	minKey, maxKey := first, first
	var sum float64

	for _, v := range values {
		k := keySelector(v)
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
		sum += float64(k)

		if k < minKey {
			minKey = k
		}
		if k > maxKey {
			maxKey = k
		}
	}

	// Distance in two's complement is exact for signed and unsigned keys
	// as long as maxKey >= minKey.
	width := uint64(maxKey) - uint64(minKey)
	if width >= MaxDenseRange {
		return nil, fmt.Errorf("%w: %d keys", ErrRangeTooLarge, width+1)
	}

	res := &Result[K]{
		Count:        len(values),
		Min:          minKey,
		Max:          maxKey,
		Mean:         sum / float64(len(values)),
		BucketValues: slices.Clone(order),
		Histogram:    make(map[K]int, int(width)+1),
	}
	slices.Sort(res.BucketValues)

	modeCount := 0
	for _, k := range order {
		if counts[k] > modeCount {
			res.Mode = k
			modeCount = counts[k]
		}
	}

	res.MinBucketCount = math.MaxInt
	var countSum float64
	for i := uint64(0); i <= width; i++ {
		k := minKey + K(i)
		c := counts[k]
		res.Histogram[k] = c
		countSum += float64(c)
		if c > res.MaxBucketCount {
			res.MaxBucketCount = c
		}
		if c < res.MinBucketCount {
			res.MinBucketCount = c
		}
	}

	buckets := float64(width + 1)
	res.MeanBucketCount = countSum / buckets

	var sq float64
	for _, c := range res.Histogram {
		d := float64(c) - res.MeanBucketCount
		sq += d * d
	}
	res.SDBucketCount = math.Sqrt(sq / buckets)

	return res, nil
}

// FromValues summarizes the keys themselves.
func FromValues[K constraints.Integer](values []K) (*Result[K], error) {
	return Create(values, func(k K) K { return k })
}

// CountAt returns the histogram count for k.
//
// Keys inside [Min, Max] always have an entry. Keys outside the window
// report zero and false.
func (r *Result[K]) CountAt(k K) (int, bool) {
	c, ok := r.Histogram[k]
	return c, ok
}

// BucketCount returns the number of keys in the dense window.
func (r *Result[K]) BucketCount() int {
	return len(r.Histogram)
}

// Exceeds reports whether the number of summarized values is above limit.
// A non-positive limit never triggers.
func (r *Result[K]) Exceeds(limit int) bool {
	return limit > 0 && r.Count > limit
}
