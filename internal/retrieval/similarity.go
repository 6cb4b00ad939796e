package retrieval

import (
	"math"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/store"
)

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or with zero norm yield NaN, which ranks them out.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NegEuclidean returns minus the euclidean distance, so closer is higher.
func NegEuclidean(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return -math.Sqrt(sum)
}

// SimilarityByName resolves a configured similarity function.
func SimilarityByName(name string) (store.Similarity, error) {
	switch name {
	case "", "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return NegEuclidean, nil
	default:
		return nil, errors.Errorf("retrieval: unknown similarity %q", name)
	}
}
