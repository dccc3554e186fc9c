package store

import (
	"context"
	"sync"
)

// Counters hands out linearizable integer sequences.
type Counters interface {
	// Next increments key and returns the new value. The first call returns 1.
	Next(ctx context.Context, key string) (int, error)
	// Peek returns the value the next call to Next would return.
	Peek(ctx context.Context, key string) (int, error)
	// Reset makes the next call to Next return next.
	Reset(ctx context.Context, key string, next int) error
	// Set stores a plain value, used for work counters.
	Set(ctx context.Context, key string, value int) error
	// DecrementIfPositive decrements key when it is above zero and returns
	// the remaining value.
	DecrementIfPositive(ctx context.Context, key string) (int, bool, error)
	Delete(ctx context.Context, key string) error
}

type MemoryCounters struct {
	mu     sync.Mutex
	values map[string]int
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{values: make(map[string]int)}
}

func (c *MemoryCounters) Next(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

func (c *MemoryCounters) Peek(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key] + 1, nil
}

func (c *MemoryCounters) Reset(_ context.Context, key string, next int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = next - 1
	return nil
}

func (c *MemoryCounters) Set(_ context.Context, key string, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *MemoryCounters) DecrementIfPositive(_ context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[key]
	if v <= 0 {
		return v, false, nil
	}
	c.values[key] = v - 1
	return v - 1, true, nil
}

func (c *MemoryCounters) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

// snapshot and restore let MemoryStore persist counters with its documents.
func (c *MemoryCounters) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *MemoryCounters) restore(values map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]int, len(values))
	for k, v := range values {
		c.values[k] = v
	}
}
