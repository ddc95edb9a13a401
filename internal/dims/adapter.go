package dims

// Counter names the monotone counters the adapter increments; callers
// (the scheduler/cache path) own the actual atomic storage and just read
// which counter a given Adapt call bumped.
type Counter string

const (
	CounterNative      Counter = "native"
	CounterCompression Counter = "compressions"
	CounterExpansion   Counter = "expansions"
)

// Adapt produces an output of exactly t dimensions from a native vector:
// unchanged when t == n, compressed when t < n, expanded when t > n,
// always L2-normalized at the end. store may be nil, in which case
// compression always falls back to truncation.
func Adapt(store *CompressionStore, native []float32, t int, text string) ([]float32, Counter) {
	n := len(native)

	if store != nil {
		store.Observe(native)
	}

	var out []float32
	var counter Counter
	switch {
	case t == n:
		out = make([]float32, n)
		copy(out, native)
		counter = CounterNative
	case t < n:
		compressed, _ := Compress(store, native, t)
		out = compressed
		counter = CounterCompression
	default:
		out = Expand(native, t, text)
		counter = CounterExpansion
	}

	Normalize(out)
	return out, counter
}
