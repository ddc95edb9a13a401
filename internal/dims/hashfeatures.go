package dims

import (
	"hash/fnv"
	"strings"
)

// hashFeatures produces k dimensions from character n-grams (n = 1, 2, 3)
// and whole-word hashes of text, mapped into k buckets with a
// 1/(n·|text|+1) weight, L2-normalized before the caller concatenates them.
func hashFeatures(text string, k int) []float32 {
	out := make([]float32, k)
	if k == 0 || strings.TrimSpace(text) == "" {
		return out
	}
	runes := []rune(text)
	textLen := len(runes)

	addNgram := func(gram string, n int) {
		h := fnv.New32a()
		h.Write([]byte(gram))
		bucket := int(h.Sum32()) % k
		if bucket < 0 {
			bucket += k
		}
		weight := 1.0 / float32(n*textLen+1)
		out[bucket] += weight
	}

	for _, n := range []int{1, 2, 3} {
		if textLen < n {
			continue
		}
		for i := 0; i+n <= textLen; i++ {
			addNgram(string(runes[i:i+n]), n)
		}
	}
	for _, word := range strings.Fields(text) {
		addNgram(word, len(word))
	}

	Normalize(out)
	return out
}
