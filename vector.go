package promptmeta

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// promptVector folds the words of prompts into a dim-length vector using
// signed feature hashing and L2-normalises it. Returns nil when the prompts
// contain no words.
func promptVector(prompts []string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}

	vec := make([]float32, dim)
	var words int
	for _, p := range prompts {
		for _, w := range promptWords(p) {
			h := fnv.New64a()
			h.Write([]byte(w))
			sum := h.Sum64()

			i := int(sum % uint64(dim))
			if sum>>63 == 1 {
				vec[i]--
			} else {
				vec[i]++
			}
			words++
		}
	}
	if words == 0 {
		return nil
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return nil // every word cancelled out
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// promptWords lowercases s and splits it on anything that is not a letter
// or digit.
func promptWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
