// Package quota counts the fetches each principal has running against the
// asynchronous stores, and carries the principal through a context.
package quota

import (
	"context"
	"sync"
)

// Anonymous is the principal of a request that did not name one.
const Anonymous = "anonymous"

// A Counter keeps a running fetch count per principal. Implementations must
// be safe for concurrent use.
type Counter interface {
	// Acquire adds one running fetch for principal and returns the new count.
	Acquire(ctx context.Context, principal string) (int64, error)
	// Release removes one running fetch. The count does not go below zero.
	Release(ctx context.Context, principal string) error
	// Running returns the current count.
	Running(ctx context.Context, principal string) (int64, error)
}

type principalKey struct{}

// WithPrincipal returns a context carrying the principal name.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Principal returns the principal in ctx, or Anonymous.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok && p != "" {
		return p
	}
	return Anonymous
}

// Memory is a Counter local to this process.
type Memory struct {
	m      sync.Mutex
	counts map[string]int64
}

var _ Counter = &Memory{}

func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int64)}
}

func (c *Memory) Acquire(ctx context.Context, principal string) (int64, error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.counts[principal]++
	return c.counts[principal], nil
}

func (c *Memory) Release(ctx context.Context, principal string) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.counts[principal] <= 1 {
		delete(c.counts, principal)
		return nil
	}
	c.counts[principal]--
	return nil
}

func (c *Memory) Running(ctx context.Context, principal string) (int64, error) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.counts[principal], nil
}

// Snapshot returns a copy of every nonzero count.
func (c *Memory) Snapshot() map[string]int64 {
	c.m.Lock()
	defer c.m.Unlock()
	result := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		result[k] = v
	}
	return result
}
