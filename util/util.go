package util

import "sort"

// Map applies f to every element of xs, stopping at the first error.
func Map[T, U any](xs []T, f func(T) (U, error)) ([]U, error) {
	result := make([]U, len(xs))
	for i, x := range xs {
		u, err := f(x)
		if err != nil {
			return nil, err
		}
		result[i] = u
	}
	return result, nil
}

// Filter returns the elements of xs for which f returns true. If filterInPlace is set the
// backing array of xs is reused.
func Filter[T any](xs []T, f func(T) bool, filterInPlace bool) []T {
	var result []T
	if filterInPlace {
		result = xs[:0]
	} else {
		result = make([]T, 0, len(xs))
	}
	for _, x := range xs {
		if f(x) {
			result = append(result, x)
		}
	}
	return result
}

// ChunkBy splits xs into chunks of at most size elements.
func ChunkBy[T any](xs []T, size int) [][]T {
	if size <= 0 {
		return [][]T{xs}
	}
	chunks := make([][]T, 0, (len(xs)+size-1)/size)
	for size < len(xs) {
		xs, chunks = xs[size:], append(chunks, xs[0:size:size])
	}
	if len(xs) > 0 {
		chunks = append(chunks, xs)
	}
	return chunks
}

// SplitEvenly splits xs into at most n contiguous slices whose lengths differ by at most one.
func SplitEvenly[T any](xs []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	if n > len(xs) {
		n = len(xs)
	}
	out := make([][]T, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := len(xs) / n
		if i < len(xs)%n {
			size++
		}
		out = append(out, xs[start:start+size])
		start += size
	}
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K int64 | uint64 | int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Dedupe removes duplicate elements while preserving order.
func Dedupe[T comparable](xs []T) []T {
	seen := make(map[T]bool, len(xs))
	out := make([]T, 0, len(xs))
	for _, x := range xs {
		if seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}
