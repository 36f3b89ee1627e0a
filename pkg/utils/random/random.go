package random

import (
	"crypto/rand"
	"math/big"
)

// Int returns a uniform random integer in [1, max]. Falls back to 1 when
// the system randomness source fails.
func Int(max int) int {
	if max <= 1 {
		return 1
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 1
	}
	return int(n.Int64()) + 1
}

// DistinctInts returns count distinct uniform random integers in [1, max]
// via a partial shuffle of the full range.
func DistinctInts(count, max int) []int {
	if count <= 0 || max <= 0 {
		return nil
	}
	if count > max {
		count = max
	}
	pool := make([]int, max)
	for i := range pool {
		pool[i] = i + 1
	}
	for i := 0; i < count; i++ {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(max-i)))
		if err != nil {
			continue
		}
		k := i + int(j.Int64())
		pool[i], pool[k] = pool[k], pool[i]
	}
	return pool[:count]
}
