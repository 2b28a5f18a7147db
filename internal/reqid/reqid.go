// Package reqid allocates relay request identifiers.
package reqid

import "sync/atomic"

// Allocator hands out process-unique request identifiers starting at 1.
// The zero value is ready to use and safe for concurrent use.
type Allocator struct {
	counter atomic.Uint32
}

// New creates an Allocator whose first identifier is 1.
func New() *Allocator {
	return &Allocator{}
}

// Next returns the next identifier. Values are distinct and strictly
// increasing across all callers.
func (a *Allocator) Next() uint32 {
	return a.counter.Add(1)
}
