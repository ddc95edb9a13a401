package dims

import (
	"math"
	"math/rand"
)

const powerIterations = 24

// Projection is a learned, read-only linear compression from N to T
// dimensions: out = Components · (native − Mean).
type Projection struct {
	N          int
	T          int
	Mean       []float32
	Components [][]float32 // T rows of length N
}

// Apply projects a native vector down to T dimensions.
func (p *Projection) Apply(native []float32) []float32 {
	out := make([]float32, p.T)
	for c, comp := range p.Components {
		var dot float64
		for i, v := range native {
			dot += float64(v-p.Mean[i]) * float64(comp[i])
		}
		out[c] = float32(dot)
	}
	return out
}

// trainProjection fits a PCA-like projection from N to T dimensions using
// power iteration with deflation over the collected sample set. It is
// deterministic given the same samples and (n, t) pair.
func trainProjection(samples [][]float32, n, t int) *Projection {
	mean := make([]float64, n)
	for _, s := range samples {
		for i, v := range s {
			mean[i] += float64(v)
		}
	}
	count := float64(len(samples))
	for i := range mean {
		mean[i] /= count
	}

	centered := make([][]float64, len(samples))
	for si, s := range samples {
		row := make([]float64, n)
		for i, v := range s {
			row[i] = float64(v) - mean[i]
		}
		centered[si] = row
	}

	src := rand.New(rand.NewSource(int64(n)*1_000_003 + int64(t)))
	components := make([][]float32, 0, t)
	for comp := 0; comp < t; comp++ {
		vec := randomUnit(src, n)
		for iter := 0; iter < powerIterations; iter++ {
			vec = powerStep(centered, vec)
		}
		components = append(components, toFloat32(vec))
		deflate(centered, vec)
	}

	return &Projection{N: n, T: t, Mean: toFloat32(mean), Components: components}
}

func randomUnit(src *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	var norm float64
	for i := range v {
		v[i] = src.NormFloat64()
		norm += v[i] * v[i]
	}
	normalizeFloat64(v, norm)
	return v
}

// powerStep computes one iteration of v ← Cov·v, normalized, where Cov is
// the (implicit) sample covariance matrix of centered.
func powerStep(centered [][]float64, vec []float64) []float64 {
	n := len(vec)
	xv := make([]float64, len(centered))
	for si, row := range centered {
		var dot float64
		for i, rv := range row {
			dot += rv * vec[i]
		}
		xv[si] = dot
	}
	next := make([]float64, n)
	var norm float64
	for si, row := range centered {
		coef := xv[si]
		for i, rv := range row {
			next[i] += rv * coef
		}
	}
	for _, x := range next {
		norm += x * x
	}
	if norm < 1e-18 {
		return vec
	}
	normalizeFloat64(next, norm)
	return next
}

// deflate subtracts each row's projection onto vec so the next component
// is found orthogonal to the ones already extracted.
func deflate(centered [][]float64, vec []float64) {
	for _, row := range centered {
		var dot float64
		for i, rv := range row {
			dot += rv * vec[i]
		}
		for i := range row {
			row[i] -= dot * vec[i]
		}
	}
}

func normalizeFloat64(v []float64, sumSquares float64) {
	if sumSquares <= 0 {
		return
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
