// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

// A demand is one session's claim on the executor budget.
type demand struct {
	min    int // guaranteed share, if the budget allows
	want   int // executors the session can use, min <= want
	weight int // proportion of the remainder
}

// allocate splits budget among the given demands, which are ordered
// oldest session first. A budget <= 0 means unlimited.
//
// Each session first gets its min, in order, while the budget
// lasts. The rest of the budget is divided in proportion to weight,
// never giving a session more than it wants. Leftover executors are
// handed out one at a time to the session with the largest weighted
// deficit; ties go to the older session.
func allocate(ds []demand, budget int) []int {
	alloc := make([]int, len(ds))
	total := 0
	for i, d := range ds {
		alloc[i] = d.want
		total += d.want
	}
	if budget <= 0 || total <= budget {
		return alloc
	}

	remaining := budget
	for i, d := range ds {
		alloc[i] = minInt(minInt(d.min, d.want), remaining)
		remaining -= alloc[i]
	}

	for remaining > 0 {
		weights := 0
		for i, d := range ds {
			if alloc[i] < d.want && d.weight > 0 {
				weights += d.weight
			}
		}
		if weights == 0 {
			return alloc
		}
		given := 0
		for i, d := range ds {
			if alloc[i] >= d.want || d.weight <= 0 {
				continue
			}
			share := minInt(remaining*d.weight/weights, d.want-alloc[i])
			alloc[i] += share
			given += share
		}
		remaining -= given
		if given == 0 {
			break
		}
	}

	for ; remaining > 0; remaining-- {
		best, bestDeficit := -1, 0
		for i, d := range ds {
			if alloc[i] >= d.want || d.weight <= 0 {
				continue
			}
			if deficit := (d.want - alloc[i]) * d.weight; deficit > bestDeficit {
				best, bestDeficit = i, deficit
			}
		}
		if best < 0 {
			break
		}
		alloc[best]++
	}
	return alloc
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(n, lo, hi int) int {
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}
