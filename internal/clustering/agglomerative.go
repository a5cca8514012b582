package clustering

import "github.com/kozaktomas/face-engine/internal/database"

// agglomerative merges vectors bottom-up with average linkage until the
// closest pair of clusters is farther apart than maxDist. Clusters smaller
// than minSize are returned as noise (-1); the rest are labelled from 1 in
// order of their first member.
func agglomerative(vectors [][]float32, maxDist float64, minSize int) []int {
	n := len(vectors)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := database.CosineDistance(vectors[i], vectors[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	members := make([][]int, n)
	alive := make([]bool, n)
	for i := range members {
		members[i] = []int{i}
		alive[i] = true
	}

	for {
		bi, bj, best := -1, -1, maxDist
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if alive[j] && dist[i][j] <= best {
					if bi < 0 || dist[i][j] < best {
						bi, bj, best = i, j, dist[i][j]
					}
				}
			}
		}
		if bi < 0 {
			break
		}

		// Lance-Williams update for average linkage; j is folded into i.
		ni, nj := float64(len(members[bi])), float64(len(members[bj]))
		for k := 0; k < n; k++ {
			if !alive[k] || k == bi || k == bj {
				continue
			}
			d := (ni*dist[bi][k] + nj*dist[bj][k]) / (ni + nj)
			dist[bi][k], dist[k][bi] = d, d
		}
		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		alive[bj] = false
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = noise
	}
	next := 0
	for i := 0; i < n; i++ {
		if !alive[i] || len(members[i]) < minSize {
			continue
		}
		next++
		for _, m := range members[i] {
			labels[m] = next
		}
	}
	return labels
}
