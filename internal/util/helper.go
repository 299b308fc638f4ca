// Package util contains small generic helpers.
package util

// CloneSlice clones src into a slice of cloneSize elements.
// The length of src is used when cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// Clamp limits v to the closed range [lo, hi].
func Clamp[T ~int | ~int64 | ~float64](v, lo, hi T) T {
	return max(lo, min(hi, v))
}
