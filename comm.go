package gpt2

import (
	"fmt"
	"sync"
)

// Communicator is the collective-communication capability injected into
// the trainer. The trainer invokes exactly one gradient all-reduce per
// optimizer step and one per validation event; it never implements the
// transport itself.
type Communicator interface {
	Rank() int
	WorldSize() int
	// AllReduceMean replaces x, in place, with the element-wise mean of
	// the slices passed by all workers. It is a full barrier: every
	// worker must arrive before any returns.
	AllReduceMean(x []float32) error
	Close() error
}

// SingleProcess is the Communicator of a one-worker run; its reductions
// are identities.
type SingleProcess struct{}

func (SingleProcess) Rank() int                       { return 0 }
func (SingleProcess) WorldSize() int                  { return 1 }
func (SingleProcess) AllReduceMean(x []float32) error { return nil }
func (SingleProcess) Close() error                    { return nil }

// localGroup is a shared-memory collective for workers running as
// goroutines in one process, the stand-in for a one-process-per-device
// launcher. The last worker to arrive computes the mean; a reduction's
// result stays valid until every member has started the next one, so no
// extra exit barrier is needed.
type localGroup struct {
	n          int
	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation uint64
	sum        []float64
	result     []float32
	err        error
}

type localComm struct {
	group *localGroup
	rank  int
}

// NewLocalGroup returns n Communicators sharing one in-process reduction
// group, one per rank.
func NewLocalGroup(n int) []Communicator {
	g := &localGroup{n: n}
	g.cond = sync.NewCond(&g.mu)
	comms := make([]Communicator, n)
	for i := range comms {
		comms[i] = &localComm{group: g, rank: i}
	}
	return comms
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.group.n }
func (c *localComm) Close() error   { return nil }

func (c *localComm) AllReduceMean(x []float32) error {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.arrived == 0 {
		g.sum = make([]float64, len(x))
		g.err = nil
	} else if len(x) != len(g.sum) {
		// a shape mismatch poisons the whole reduction; every member
		// observes the error instead of a silent partial result
		g.err = fmt.Errorf("all-reduce: rank %d contributed %d elements, group started with %d", c.rank, len(x), len(g.sum))
	}
	if g.err == nil {
		for i, v := range x {
			g.sum[i] += float64(v)
		}
	}
	g.arrived++
	if g.arrived == g.n {
		if g.err == nil {
			result := make([]float32, len(g.sum))
			inv := 1.0 / float64(g.n)
			for i, s := range g.sum {
				result[i] = float32(s * inv)
			}
			g.result = result
		}
		g.sum = nil
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
	} else {
		gen := g.generation
		for g.generation == gen {
			g.cond.Wait()
		}
	}
	if g.err != nil {
		return g.err
	}
	copy(x, g.result)
	return nil
}
