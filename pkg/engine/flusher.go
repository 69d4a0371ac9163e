package engine

import (
	"membuf/pkg/listener"
)

// Flusher turns frozen memtables into sstables on a background goroutine,
// one at a time and in the order they were frozen.
type Flusher struct {
	*listener.Listener[*frozen]
}

var _ listener.Job = (*Flusher)(nil)

func NewFlusher(
	in <-chan *frozen,
	persist func(*frozen) error,
	onError func(error),
) *Flusher {
	return &Flusher{
		Listener: listener.New(in, persist, onError),
	}
}
