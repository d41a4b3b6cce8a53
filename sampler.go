package gpt2

import "sort"

// sampleMult draws an index from a probability distribution by walking
// its CDF with a coin in [0, 1).
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1 // rounding fallthrough
}

// sampleTopK restricts the distribution to its k most probable entries,
// renormalizes, and samples from that. k <= 0 or k >= len(probs) falls
// back to plain multinomial sampling.
func sampleTopK(probs []float32, k int, coin float32) int {
	if k <= 0 || k >= len(probs) {
		return sampleMult(probs, coin)
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	// ties break on index so the ordering is deterministic
	sort.Slice(idx, func(a, b int) bool {
		if probs[idx[a]] != probs[idx[b]] {
			return probs[idx[a]] > probs[idx[b]]
		}
		return idx[a] < idx[b]
	})
	top := idx[:k]
	var total float32
	for _, i := range top {
		total += probs[i]
	}
	if total <= 0 {
		return top[0]
	}
	var cdf float32
	for _, i := range top {
		cdf += probs[i] / total
		if coin < cdf {
			return i
		}
	}
	return top[k-1]
}
