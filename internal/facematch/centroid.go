package facematch

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/kozaktomas/face-engine/internal/database"
)

// L2Normalize returns a unit-length copy of v. A zero vector is returned as a zero copy.
func L2Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		scale := float32(1.0 / norm)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// Mean returns the element-wise mean of vectors, or nil when empty.
// Vectors shorter than the first are treated as zero-padded.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	acc := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			acc[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range acc {
		out[i] = float32(acc[i] / n)
	}
	return out
}

// RobustCentroid is the result of a trimmed-mean computation.
type RobustCentroid struct {
	Vector  []float32
	Kept    []int // indices into the input that contributed
	Trimmed []int // indices dropped as outliers
}

// ComputeRobustCentroid L2-normalizes every vector, takes a first-pass mean,
// drops the trimFraction of vectors farthest from it (never all of them),
// re-averages the rest and L2-normalizes the result.
func ComputeRobustCentroid(vectors [][]float32, trimFraction float64) RobustCentroid {
	if len(vectors) == 0 {
		return RobustCentroid{}
	}

	normed := make([][]float32, len(vectors))
	for i, v := range vectors {
		normed[i] = L2Normalize(v)
	}

	first := Mean(normed)

	type ranked struct {
		idx  int
		dist float64
	}
	order := make([]ranked, len(normed))
	for i, v := range normed {
		order[i] = ranked{idx: i, dist: database.CosineDistance(first, v)}
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].dist < order[b].dist })

	trim := TrimCount(len(normed), trimFraction)
	keep := len(normed) - trim

	res := RobustCentroid{
		Kept:    make([]int, 0, keep),
		Trimmed: make([]int, 0, trim),
	}
	kept := make([][]float32, 0, keep)
	for i, r := range order {
		if i < keep {
			res.Kept = append(res.Kept, r.idx)
			kept = append(kept, normed[r.idx])
		} else {
			res.Trimmed = append(res.Trimmed, r.idx)
		}
	}
	sort.Ints(res.Kept)
	sort.Ints(res.Trimmed)

	res.Vector = L2Normalize(Mean(kept))
	return res
}

// TrimCount returns how many of n vectors a trim fraction drops, leaving at least one.
func TrimCount(n int, fraction float64) int {
	if n <= 1 || fraction <= 0 {
		return 0
	}
	trim := int(math.Floor(float64(n) * fraction))
	return min(trim, n-1)
}

// SourceHash fingerprints a source face set independent of order.
func SourceHash(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
