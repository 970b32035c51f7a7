package partition

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// minShare replaces empty class shares so the divergence stays finite.
const minShare = 1e-4

// ClassCounts returns, per client, the number of samples of each class present.
func ClassCounts(labels []int, parts [][]int) []map[int]int {
	out := make([]map[int]int, len(parts))
	for i, p := range parts {
		out[i] = make(map[int]int)
		for _, idx := range p {
			out[i][labels[idx]]++
		}
	}
	return out
}

// DataRatio is each client's share of all assigned samples.
func DataRatio(parts [][]int) []float64 {
	sizes := make([]float64, len(parts))
	for i, p := range parts {
		sizes[i] = float64(len(p))
	}
	total := floats.Sum(sizes)
	if total == 0 {
		return sizes
	}
	floats.Scale(1/total, sizes)
	return sizes
}

// Skew is the mean Kullback-Leibler divergence between each client's class
// distribution and the distribution over all assigned samples. It is zero
// for an IID split and grows as alpha shrinks.
func Skew(labels []int, parts [][]int, numClasses int) float64 {
	if len(parts) == 0 {
		return 0
	}
	global := make([]float64, numClasses)
	local := make([][]float64, len(parts))
	for i, p := range parts {
		local[i] = make([]float64, numClasses)
		for _, idx := range p {
			local[i][labels[idx]]++
			global[labels[idx]]++
		}
	}
	normalize(global)
	klds := make([]float64, 0, len(parts))
	for _, dist := range local {
		if floats.Sum(dist) == 0 {
			continue
		}
		normalize(dist)
		klds = append(klds, stat.KullbackLeibler(dist, global))
	}
	if len(klds) == 0 {
		return 0
	}
	return stat.Mean(klds, nil)
}

func normalize(dist []float64) {
	total := floats.Sum(dist)
	for i, v := range dist {
		share := 0.0
		if total > 0 {
			share = v / total
		}
		if share == 0 {
			share = minShare
		}
		dist[i] = share
	}
}
