package dims

// polynomialFeatures computes pairwise products v[i]*v[j] over the first
// min(len(v), 100) dimensions, in lexicographic (i <= j) order, truncated
// to k entries.
func polynomialFeatures(v []float32, k int) []float32 {
	out := make([]float32, 0, k)
	limit := len(v)
	if limit > 100 {
		limit = 100
	}
	for i := 0; i < limit && len(out) < k; i++ {
		for j := i; j < limit && len(out) < k; j++ {
			out = append(out, v[i]*v[j])
		}
	}
	for len(out) < k {
		out = append(out, 0)
	}
	return out
}
