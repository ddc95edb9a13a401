package dims

import "math"

// fourierFreqs is the fixed frequency ladder used for Fourier features.
var fourierFreqs = []float64{0.5, 1, 2, 4, 8}

// fourierFeatures computes interleaved sin(2*pi*f*v[i]) / cos(2*pi*f*v[i])
// over the frequency ladder and the input dimensions, truncated to k
// entries.
func fourierFeatures(v []float32, k int) []float32 {
	out := make([]float32, 0, k)
	for _, f := range fourierFreqs {
		for _, x := range v {
			if len(out) >= k {
				return out
			}
			angle := 2 * math.Pi * f * float64(x)
			out = append(out, float32(math.Sin(angle)))
			if len(out) >= k {
				return out
			}
			out = append(out, float32(math.Cos(angle)))
		}
	}
	for len(out) < k {
		out = append(out, 0)
	}
	return out
}
