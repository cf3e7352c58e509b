// Package objectid assigns small integer ids to heap objects without keeping
// them alive.
//
// An Identifier maps object identity to a positive id. Id 0 is never issued
// and stands for "no object". When the collector reclaims a tracked object
// its entry disappears and the id goes onto a free list that later
// allocations drain before the counter grows, so long runs that churn
// through temporaries keep ids small.
//
// Objects of zero-sized types share one address and therefore one identity.
package objectid

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"weak"
)

// ErrIDSpaceExhausted is the panic value raised when the id counter would
// wrap around. Reissuing a live id would merge two objects in the trace.
var ErrIDSpaceExhausted = errors.New("objectid: id space exhausted")

// Identifier is the identity table of one trace run. It is safe for
// concurrent use; lookups of an already tracked object take no lock.
type Identifier struct {
	// table maps weak.Pointer[T] (boxed as any) to uint64.
	table sync.Map

	mu   sync.Mutex // protects everything below
	next uint64
	free []uint64
	live int
}

// New returns an empty identity table. The first id issued is 1.
func New() *Identifier {
	return &Identifier{next: 1}
}

type cleanupArg struct {
	key any
	id  uint64
}

// ID returns the id of the object p points to, assigning one on first
// sight. Concurrent callers always observe the same id for the same live
// object. A nil pointer has id 0.
func ID[T any](oi *Identifier, p *T) uint64 {
	if p == nil {
		return 0
	}
	key := weak.Make(p)
	if v, ok := oi.table.Load(key); ok {
		return v.(uint64)
	}

	oi.mu.Lock()
	defer oi.mu.Unlock()
	if v, ok := oi.table.Load(key); ok {
		return v.(uint64)
	}
	id := oi.allocLocked()
	oi.table.Store(key, id)
	runtime.AddCleanup(p, oi.release, cleanupArg{key: key, id: id})
	return id
}

func (oi *Identifier) allocLocked() uint64 {
	oi.live++
	if n := len(oi.free); n > 0 {
		id := oi.free[n-1]
		oi.free = oi.free[:n-1]
		return id
	}
	if oi.next == math.MaxUint64 {
		panic(ErrIDSpaceExhausted)
	}
	id := oi.next
	oi.next++
	return id
}

// release runs on the cleanup goroutine once the object is unreachable.
func (oi *Identifier) release(arg cleanupArg) {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	oi.table.Delete(arg.key)
	oi.free = append(oi.free, arg.id)
	oi.live--
}

// Live returns the number of objects currently holding an id.
func (oi *Identifier) Live() int {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return oi.live
}

// FreeCount returns the number of released ids waiting for reuse.
func (oi *Identifier) FreeCount() int {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return len(oi.free)
}

// Issued returns the highest id ever issued, 0 if none.
func (oi *Identifier) Issued() uint64 {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return oi.next - 1
}
