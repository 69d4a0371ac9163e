package clock

import (
	"sync/atomic"
	"time"

	"membuf/pkg/types"
)

// AtomicClock hands out strictly increasing millisecond timestamps. When the
// wall clock stalls or goes backwards it keeps counting from the last value.
type AtomicClock struct {
	last atomic.Uint64
	now  func() time.Time
}

func NewAtomic(init types.Timestamp) *AtomicClock {
	return NewAtomicWith(init, time.Now)
}

// NewAtomicWith is NewAtomic with an injected time source.
func NewAtomicWith(init types.Timestamp, now func() time.Time) *AtomicClock {
	ac := AtomicClock{now: now}
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.Timestamp {
	return types.TS(ac.last.Load())
}

func (ac *AtomicClock) Next() types.Timestamp {
	for {
		last := ac.last.Load()
		next := uint64(ac.now().UnixMilli())
		if next <= last {
			next = last + 1
		}
		if ac.last.CompareAndSwap(last, next) {
			return types.TS(next)
		}
	}
}

// Set moves the clock forward to t. It never moves it back.
func (ac *AtomicClock) Set(t types.Timestamp) {
	for {
		last := ac.last.Load()
		if t.Lo <= last || ac.last.CompareAndSwap(last, t.Lo) {
			return
		}
	}
}
