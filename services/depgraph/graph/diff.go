// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// DiffResult is the set difference between two collections.
type DiffResult[T comparable] struct {
	// IsDifferent is true when Added or Removed is non-empty.
	IsDifferent bool

	// Added holds values in new but not in old, in first-seen order.
	Added []T

	// Removed holds values in old but not in new, in first-seen order.
	Removed []T
}

// Diff compares old and new as sets.
//
// Duplicates are coalesced. Zero values are ordinary values. The result
// slices are never nil.
//
// Example:
//
//	d := Diff([]int{1, 2, 2, 3}, []int{3, 4})
//	// d.Added == [4], d.Removed == [1 2]
func Diff[T comparable](old, new []T) DiffResult[T] {
	oldSet := make(map[T]struct{}, len(old))
	for _, v := range old {
		oldSet[v] = struct{}{}
	}
	newSet := make(map[T]struct{}, len(new))
	for _, v := range new {
		newSet[v] = struct{}{}
	}

	res := DiffResult[T]{
		Added:   make([]T, 0),
		Removed: make([]T, 0),
	}
	for _, v := range new {
		if _, ok := oldSet[v]; !ok {
			res.Added = append(res.Added, v)
			oldSet[v] = struct{}{}
		}
	}
	for _, v := range old {
		if _, ok := newSet[v]; !ok {
			res.Removed = append(res.Removed, v)
			newSet[v] = struct{}{}
		}
	}
	res.IsDifferent = len(res.Added) > 0 || len(res.Removed) > 0
	return res
}
