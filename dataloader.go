package gpt2

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DataLoader streams fixed-size (B, T) windows of token ids from a
// rotating set of shard files. In a multi-worker run each rank reads a
// disjoint offset within the shard: rank r starts at B*T*r and strides
// by B*T*numWorkers, so the union of all workers covers the shard with
// no overlap. The batch sequence is deterministic from Reset for fixed
// (B, T, rank, numWorkers) and shard ordering.
type DataLoader struct {
	B, T         int
	rank         int
	numWorkers   int
	shards       []string
	currentShard int
	position     int
	tokens       []int32
}

// NewDataLoader discovers the shard files for split ("train" or "val")
// under dataDir, sorted by name, and positions the loader at shard 0.
// It fails when no shards match.
func NewDataLoader(dataDir, split string, B, T, rank, numWorkers int) (*DataLoader, error) {
	if rank < 0 || rank >= numWorkers {
		return nil, fmt.Errorf("dataloader: rank %d out of range for %d workers", rank, numWorkers)
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("dataloader: reading %s: %w", dataDir, err)
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, split) && strings.HasSuffix(name, ".bin") {
			shards = append(shards, filepath.Join(dataDir, name))
		}
	}
	sort.Strings(shards)
	return newDataLoaderFromShards(shards, split, B, T, rank, numWorkers)
}

func newDataLoaderFromShards(shards []string, split string, B, T, rank, numWorkers int) (*DataLoader, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("dataloader: no shards found for split %q", split)
	}
	loader := &DataLoader{
		B:          B,
		T:          T,
		rank:       rank,
		numWorkers: numWorkers,
		shards:     shards,
	}
	if err := loader.Reset(); err != nil {
		return nil, err
	}
	return loader, nil
}

// NumBatches reports how many batches one pass over the currently loaded
// shard yields across all workers.
func (l *DataLoader) NumBatches() int {
	return len(l.tokens) / (l.B * l.T * l.numWorkers)
}

// Reset rewinds to shard 0 and this worker's starting offset within it.
func (l *DataLoader) Reset() error {
	l.currentShard = 0
	if err := l.loadShard(); err != nil {
		return err
	}
	l.position = l.B * l.T * l.rank
	return nil
}

func (l *DataLoader) loadShard() error {
	tokens, err := loadShardTokens(l.shards[l.currentShard])
	if err != nil {
		return err
	}
	if len(tokens) < l.B*l.T*l.numWorkers+1 {
		return fmt.Errorf("dataloader: shard %s has %d tokens, need at least %d for B=%d T=%d workers=%d",
			l.shards[l.currentShard], len(tokens), l.B*l.T*l.numWorkers+1, l.B, l.T, l.numWorkers)
	}
	l.tokens = tokens
	return nil
}

// NextBatch returns B*T input tokens and the same window shifted left by
// one as targets. When the stride would run past the loaded shard, the
// loader rotates to the next shard (wrapping after the last) and rewinds
// to this worker's offset; a batch never spans two shards.
func (l *DataLoader) NextBatch() ([]int32, []int32, error) {
	B, T := l.B, l.T
	buf := l.tokens[l.position : l.position+B*T+1]
	inputs := buf[:B*T]
	targets := buf[1:]
	l.position += B * T * l.numWorkers
	if l.position+B*T*l.numWorkers+1 > len(l.tokens) {
		l.currentShard = (l.currentShard + 1) % len(l.shards)
		if err := l.loadShard(); err != nil {
			return nil, nil, err
		}
		l.position = B * T * l.rank
	}
	return inputs, targets, nil
}

// loadShardTokens reads a whole shard into memory. Shards are flat
// little-endian uint16 token ids; they are widened to int32 here so the
// rest of the system indexes vocabularies past 32767 without care.
func loadShardTokens(filename string) ([]int32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%2 != 0 {
		return nil, fmt.Errorf("dataloader: shard %s has odd byte length %d", filename, info.Size())
	}
	raw := make([]uint16, info.Size()/2)
	if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("dataloader: reading shard %s: %w", filename, err)
	}
	tokens := make([]int32, len(raw))
	for i, t := range raw {
		tokens[i] = int32(t)
	}
	return tokens, nil
}

// WriteShard writes token ids as a flat little-endian uint16 shard file.
// Used by tooling and tests to produce datasets the loader understands.
func WriteShard(filename string, tokens []int32) error {
	raw := make([]uint16, len(tokens))
	for i, t := range tokens {
		if t < 0 || t > 0xFFFF {
			return fmt.Errorf("dataloader: token %d at index %d does not fit in uint16", t, i)
		}
		raw[i] = uint16(t)
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, raw); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
