// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key hands out block keys for every stripe position. Each position
// owns its own counter and aggregation groups are allocated to positions in a
// round-robin fashion, hence consecutive groups of one position are totalSize
// groups apart.
package key

import (
	"sync"
)

// Counters keeps the next unassigned block key for every position. The
// counters are guarded by a mutex, however two writers to the same position
// still race on the order of their blocks in the write buffer, hence callers
// keep a single writer per position.
type Counters struct {
	mutex      sync.Mutex
	counters   []int64
	bufferSize int64
	totalSize  int64
}

// Returns counters for totalSize positions, each position starting at its
// first aggregation group, i.e. position*bufferSize.
func New(totalSize, bufferSize int) *Counters {
	c := Counters{
		counters:   make([]int64, totalSize),
		bufferSize: int64(bufferSize),
		totalSize:  int64(totalSize),
	}

	for i := range c.counters {
		c.counters[i] = int64(i) * c.bufferSize
	}

	return &c
}

// Returns value of currently unassigned key for the position. The key is
// assigned only by Next() or skipped by Advance().
func (c *Counters) Current(position int) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.counters[position]
}

// Returns value of currently unassigned key for the position and increments
// the counter.
func (c *Counters) Next(position int) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.counters[position]
	c.counters[position]++

	return tmp
}

// Moves the position to the first key of its next aggregation group, which is
// totalSize groups after the current one. Returns the aggregation key of the
// group that has just been closed.
func (c *Counters) Advance(position int) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	group := c.counters[position] / c.bufferSize
	c.counters[position] = group*c.bufferSize + c.totalSize*c.bufferSize

	return group
}

// Returns the aggregation key the current counter of the position belongs to.
func (c *Counters) Group(position int) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.counters[position] / c.bufferSize
}
