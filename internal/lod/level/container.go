// Package level implements the per-detail grid of column stacks that a region holds.
package level

import (
	"fmt"
	"sync"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/pos"
)

// Container is a size x size grid of column stacks at one detail level, each stack holding up to
// VerticalCap runs. Cells are addressed region-locally; out-of-range indices panic.
type Container struct {
	detail int
	size   int
	vcap   int

	mu   sync.RWMutex
	data []column.Data // (x*size+z)*vcap + v
}

func New(detail, verticalCap int) *Container {
	if verticalCap < 1 || verticalCap > 127 {
		panic(fmt.Sprintf("level: vertical cap %d out of range [1,127]", verticalCap))
	}
	size := pos.ContainerSize(detail)
	return &Container{
		detail: detail,
		size:   size,
		vcap:   verticalCap,
		data:   make([]column.Data, size*size*verticalCap),
	}
}

func (c *Container) Detail() int      { return c.detail }
func (c *Container) Size() int        { return c.size }
func (c *Container) VerticalCap() int { return c.vcap }

func (c *Container) index(x, z, v int) int {
	if x < 0 || x >= c.size || z < 0 || z >= c.size || v < 0 || v >= c.vcap {
		panic(fmt.Sprintf("level: index (%d,%d,%d) outside detail %d container %dx%dx%d", x, z, v, c.detail, c.size, c.size, c.vcap))
	}
	return (x*c.size+z)*c.vcap + v
}

func (c *Container) Get(x, z, v int) column.Data {
	i := c.index(x, z, v)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[i]
}

func (c *Container) Set(x, z, v int, d column.Data) {
	i := c.index(x, z, v)
	c.mu.Lock()
	c.data[i] = d
	c.mu.Unlock()
}

// Column returns a copy of the stack at (x, z).
func (c *Container) Column(x, z int) []column.Data {
	i := c.index(x, z, 0)
	out := make([]column.Data, c.vcap)
	c.mu.RLock()
	copy(out, c.data[i:i+c.vcap])
	c.mu.RUnlock()
	return out
}

// AddVerticalData replaces the whole stack at (x, z). The stack is re-fit to the container's
// cap when its length differs.
func (c *Container) AddVerticalData(stack []column.Data, x, z int) {
	if len(stack) != c.vcap {
		stack = column.Resize(stack, c.vcap)
	}
	i := c.index(x, z, 0)
	c.mu.Lock()
	copy(c.data[i:i+c.vcap], stack)
	c.mu.Unlock()
}

// AddData writes a single run as the whole stack at (x, z).
func (c *Container) AddData(d column.Data, x, z int) {
	stack := make([]column.Data, c.vcap)
	stack[0] = d
	c.AddVerticalData(stack, x, z)
}

// ReplaceIfNotLower writes stack at (x, z) unless the cell already holds data of a higher mode.
// It reports whether the write happened.
func (c *Container) ReplaceIfNotLower(stack []column.Data, x, z int) bool {
	if len(stack) != c.vcap {
		stack = column.Resize(stack, c.vcap)
	}
	i := c.index(x, z, 0)
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.data[i]
	if cur.Exists() && cur.Mode() > column.Top(stack).Mode() {
		return false
	}
	copy(c.data[i:i+c.vcap], stack)
	return true
}

func (c *Container) Exists(x, z int) bool {
	return c.Get(x, z, 0).Exists()
}

func (c *Container) Clear(x, z int) {
	i := c.index(x, z, 0)
	c.mu.Lock()
	for v := 0; v < c.vcap; v++ {
		c.data[i+v] = column.Empty
	}
	c.mu.Unlock()
}

// Full reports whether every cell holds data.
func (c *Container) Full() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fullLocked()
}

func (c *Container) fullLocked() bool {
	for i := 0; i < len(c.data); i += c.vcap {
		if !c.data[i].Exists() {
			return false
		}
	}
	return true
}

// Count is the number of populated cells.
func (c *Container) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for i := 0; i < len(c.data); i += c.vcap {
		if c.data[i].Exists() {
			n++
		}
	}
	return n
}

// Expand returns a new, empty container one detail level finer. Nothing is copied.
func (c *Container) Expand() *Container {
	if c.detail == 0 {
		panic("level: cannot expand detail 0")
	}
	return New(c.detail-1, c.vcap)
}

// RebuildFromFiner recomputes cell (x, z) by merging the 2x2 cells (2x..2x+1, 2z..2z+1) of finer.
func (c *Container) RebuildFromFiner(finer *Container, x, z int) {
	if finer.detail != c.detail-1 {
		panic(fmt.Sprintf("level: rebuild detail %d from detail %d", c.detail, finer.detail))
	}
	children := [][]column.Data{
		finer.Column(2*x, 2*z),
		finer.Column(2*x, 2*z+1),
		finer.Column(2*x+1, 2*z),
		finer.Column(2*x+1, 2*z+1),
	}
	c.AddVerticalData(column.Merge(children, c.vcap), x, z)
}

// ForEach calls fn for every populated cell in row-major order with a copy of its stack.
// Returning false stops the walk.
func (c *Container) ForEach(fn func(x, z int, stack []column.Data) bool) {
	for x := 0; x < c.size; x++ {
		for z := 0; z < c.size; z++ {
			stack := c.Column(x, z)
			if !stack[0].Exists() {
				continue
			}
			if !fn(x, z, stack) {
				return
			}
		}
	}
}

// Tops returns the topmost run of every cell, indexed x*size+z, under one read lock.
func (c *Container) Tops() []column.Data {
	out := make([]column.Data, c.size*c.size)
	c.mu.RLock()
	for i := range out {
		out[i] = c.data[i*c.vcap]
	}
	c.mu.RUnlock()
	return out
}

// Equal compares detail, cap and cell contents. Each container is read under its own lock in
// turn, so two Equal calls in opposite directions cannot deadlock.
func (c *Container) Equal(o *Container) bool {
	if c == o {
		return true
	}
	if c.detail != o.detail || c.vcap != o.vcap {
		return false
	}
	snapshot := func(x *Container) []column.Data {
		x.mu.RLock()
		defer x.mu.RUnlock()
		return append([]column.Data(nil), x.data...)
	}
	a, b := snapshot(c), snapshot(o)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
