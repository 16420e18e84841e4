package approval

import "slices"

// normalize returns a sorted copy of ids without duplicates. The result is
// never nil so callers can tell "computed, empty" apart from "not computed".
func normalize(ids []int64) []int64 {
	out := append([]int64{}, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}

func union(a, b []int64) []int64 {
	return normalize(append(append([]int64{}, a...), b...))
}

// intersect keeps the members of a that are also in b, in a's order.
func intersect(a, b []int64) []int64 {
	out := []int64{}
	for _, id := range a {
		if slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// subtract keeps the members of a that are not in b, in a's order.
func subtract(a, b []int64) []int64 {
	out := []int64{}
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}
