package clustering

import "github.com/kozaktomas/face-engine/internal/database"

const (
	unlabeled = 0
	noise     = -1
)

// dbscan clusters L2-normalized vectors with cosine distance. eps is the
// maximum distance between neighbours and minPts the neighbourhood size
// (the point itself included) of a core point. Labels start at 1; -1 is noise.
func dbscan(vectors [][]float32, eps float64, minPts int) []int {
	n := len(vectors)
	labels := make([]int, n)
	cluster := 0

	for i := 0; i < n; i++ {
		if labels[i] != unlabeled {
			continue
		}
		neighbors := rangeQuery(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}

		cluster++
		labels[i] = cluster
		seed := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				seed = append(seed, j)
			}
		}

		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]

			if labels[q] == noise {
				labels[q] = cluster // border point
			}
			if labels[q] != unlabeled {
				continue
			}
			labels[q] = cluster

			if qn := rangeQuery(vectors, q, eps); len(qn) >= minPts {
				seed = append(seed, qn...)
			}
		}
	}
	return labels
}

func rangeQuery(vectors [][]float32, idx int, eps float64) []int {
	var out []int
	for i, v := range vectors {
		if database.CosineDistance(vectors[idx], v) <= eps {
			out = append(out, i)
		}
	}
	return out
}
