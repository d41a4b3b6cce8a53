package gpt2

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleProcess(t *testing.T) {
	var comm SingleProcess
	assert.Equal(t, 0, comm.Rank())
	assert.Equal(t, 1, comm.WorldSize())
	x := []float32{1, 2, 3}
	require.NoError(t, comm.AllReduceMean(x))
	assert.Equal(t, []float32{1, 2, 3}, x, "single-worker reduction is the identity")
	require.NoError(t, comm.Close())
}

func TestLocalGroupAllReduceMean(t *testing.T) {
	const n = 4
	comms := NewLocalGroup(n)
	require.Len(t, comms, n)
	for rank, comm := range comms {
		assert.Equal(t, rank, comm.Rank())
		assert.Equal(t, n, comm.WorldSize())
	}

	results := make([][]float32, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			x := []float32{float32(rank), float32(rank) * 10, -float32(rank)}
			if err := comms[rank].AllReduceMean(x); err != nil {
				t.Error(err)
				return
			}
			results[rank] = x
		}(rank)
	}
	wg.Wait()

	// mean of ranks 0..3 on each lane
	want := []float32{1.5, 15, -1.5}
	for rank := 0; rank < n; rank++ {
		assert.Equal(t, want, results[rank], "rank %d observes the group mean", rank)
	}
}

func TestLocalGroupMultipleRounds(t *testing.T) {
	const n, rounds = 3, 5
	comms := NewLocalGroup(n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				x := []float32{float32(rank + round)}
				if err := comms[rank].AllReduceMean(x); err != nil {
					t.Error(err)
					return
				}
				// mean over ranks of rank+round = (n-1)/2 + round
				want := float32(n-1)/2 + float32(round)
				if x[0] != want {
					t.Errorf("rank %d round %d: got %v, want %v", rank, round, x[0], want)
				}
			}
		}(rank)
	}
	wg.Wait()
}

func TestLocalGroupShapeMismatch(t *testing.T) {
	comms := NewLocalGroup(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = comms[0].AllReduceMean(make([]float32, 3))
	}()
	go func() {
		defer wg.Done()
		errs[1] = comms[1].AllReduceMean(make([]float32, 2))
	}()
	wg.Wait()
	assert.Error(t, errs[0], "rank 0 observes the poisoned reduction")
	assert.Error(t, errs[1], "rank 1 observes the poisoned reduction")
}
