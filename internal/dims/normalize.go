// Package dims adapts a native-dimension embedding to an arbitrary target
// dimension: unchanged, truncated, learned-projection-compressed, or
// expanded via a deterministic composition of feature sources.
package dims

import "math"

// Normalize L2-normalizes v in place. Vectors whose norm is numerically
// zero are left untouched — the contract is ‖v‖ = 1 ± 1e-6 "unless produced
// from an all-zero native vector".
func Normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= norm
	}
}
