package utils

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

func ReverseSlice[S ~[]E, E any](s S) S {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}

	return s
}

func SliceCount[S ~[]E, E any](s S, f func(E) bool) (count int) {
	for i := range s {
		if f(s[i]) {
			count++
		}
	}

	return count
}

func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
