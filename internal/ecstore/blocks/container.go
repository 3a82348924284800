// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blocks groups block values into fixed size containers and converts
// containers to and from the aggregated records stored in the backend.
package blocks

import (
	"errors"
)

var ErrContainerFull = errors.New("blocks: container is full")

// Container is an ordered list of block values with fixed capacity. A block
// key addresses its value by offset key % capacity.
type Container struct {
	values   []int32
	capacity int
}

func NewContainer(capacity int) *Container {
	return &Container{
		values:   make([]int32, 0, capacity),
		capacity: capacity,
	}
}

// Append stores the value at the first free offset.
func (c *Container) Append(value int32) error {
	if c.IsFull() {
		return ErrContainerFull
	}

	c.values = append(c.values, value)

	return nil
}

func (c *Container) IsFull() bool {
	return len(c.values) >= c.capacity
}

// Get returns the value at the offset. Offsets never written are reported as
// missing.
func (c *Container) Get(offset int) (int32, bool) {
	if offset < 0 || offset >= len(c.values) {
		return 0, false
	}

	return c.values[offset], true
}

func (c *Container) Len() int {
	return len(c.values)
}

func (c *Container) Cap() int {
	return c.capacity
}

// Values returns the stored values in write order. The slice must not be
// modified.
func (c *Container) Values() []int32 {
	return c.values
}
