package dims

var sharedMatrixCache = newMatrixCache(defaultMaxMatrices)

// Expand produces a T-dimension vector (T > N) from a native vector by
// composing four feature sources in order, each bounded to a share of the
// deficit D = T - N, with any residual filled with zeros.
func Expand(native []float32, t int, text string) []float32 {
	n := len(native)
	d := t - n
	out := make([]float32, 0, t)
	out = append(out, native...)

	// When the source text is unavailable the hash-feature share is skipped
	// and the remaining three shares are renormalized so they still cover
	// the same fraction of the deficit.
	randPct, hashPct, polyPct, fourierPct := 0.40, 0.20, 0.25, 0.15
	if text == "" {
		remaining := randPct + polyPct + fourierPct
		randPct /= remaining
		polyPct /= remaining
		fourierPct /= remaining
		hashPct = 0
	}

	randK := shareOf(d, randPct)
	hashK := shareOf(d, hashPct)
	polyK := shareOf(d, polyPct)
	fourierK := shareOf(d, fourierPct)

	if randK > 0 {
		mat := sharedMatrixCache.get(n, randK)
		out = append(out, mat.project(native)...)
	}
	if hashK > 0 {
		out = append(out, hashFeatures(text, hashK)...)
	}
	if polyK > 0 {
		out = append(out, polynomialFeatures(native, polyK)...)
	}
	if fourierK > 0 {
		out = append(out, fourierFeatures(native, fourierK)...)
	}

	for len(out) < t {
		out = append(out, 0)
	}
	if len(out) > t {
		out = out[:t]
	}
	return out
}

// shareOf returns floor(d * pct), clamped to be non-negative.
func shareOf(d int, pct float64) int {
	if d <= 0 {
		return 0
	}
	k := int(float64(d) * pct)
	if k < 0 {
		k = 0
	}
	return k
}
