package recovery

import (
	"sort"

	"go.gazette.dev/txnengine/store"
)

// bucketSize is the capacity of each bucket of an offlineSet.
const bucketSize = 32

// offlineSet defers items whose reads would have blocked during the scan.
// Items are held in fixed-size buckets, chained per generation, and the
// generations are ordered ascending.
type offlineSet[T any] struct {
	gens []*offlineGeneration[T]
	n    int
}

type offlineGeneration[T any] struct {
	gen     store.GenerationID
	buckets [][]T
}

func (s *offlineSet[T]) add(gen store.GenerationID, v T) {
	var i = sort.Search(len(s.gens), func(i int) bool { return s.gens[i].gen >= gen })

	if i == len(s.gens) || s.gens[i].gen != gen {
		s.gens = append(s.gens, nil)
		copy(s.gens[i+1:], s.gens[i:])
		s.gens[i] = &offlineGeneration[T]{gen: gen}
	}
	var g = s.gens[i]

	if n := len(g.buckets); n == 0 || len(g.buckets[n-1]) == bucketSize {
		g.buckets = append(g.buckets, make([]T, 0, bucketSize))
	}
	var last = len(g.buckets) - 1
	g.buckets[last] = append(g.buckets[last], v)
	s.n++
}

// peek returns the earliest generation of the set.
func (s *offlineSet[T]) peek() (store.GenerationID, bool) {
	if len(s.gens) == 0 {
		return 0, false
	}
	return s.gens[0].gen, true
}

// pop removes and returns the earliest generation of the set.
func (s *offlineSet[T]) pop() *offlineGeneration[T] {
	var g = s.gens[0]
	s.gens = s.gens[1:]
	for _, b := range g.buckets {
		s.n -= len(b)
	}
	return g
}

func (s *offlineSet[T]) len() int { return s.n }
