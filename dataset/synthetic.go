package dataset

import (
	"fmt"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticConfig describes a Gaussian-blob classification problem.
type SyntheticConfig struct {
	Samples    int
	NumClasses int
	Shape      []int   // per-sample shape, e.g. {784} or {3, 32, 32}
	Separation float64 // std of the class means
	Noise      float64 // std of samples around their class mean
}

// Synthetic draws Samples points whose labels cycle through the classes and
// whose features are the class mean plus Gaussian noise.
func Synthetic(cfg SyntheticConfig, src rand.Source) (*Dataset, error) {
	if cfg.Samples <= 0 || cfg.NumClasses <= 0 || len(cfg.Shape) == 0 {
		return nil, fmt.Errorf("synthetic dataset: samples=%d classes=%d shape=%v", cfg.Samples, cfg.NumClasses, cfg.Shape)
	}
	size := tensor.Numel(cfg.Shape...)
	means := make([][]float64, cfg.NumClasses)
	meanDist := distuv.Normal{Mu: 0, Sigma: cfg.Separation, Src: src}
	for c := range means {
		means[c] = make([]float64, size)
		for i := range means[c] {
			means[c][i] = meanDist.Rand()
		}
	}

	noise := distuv.Normal{Mu: 0, Sigma: cfg.Noise, Src: src}
	x := tensor.New(append([]int{cfg.Samples}, cfg.Shape...)...)
	y := make([]int, cfg.Samples)
	for n := 0; n < cfg.Samples; n++ {
		c := n % cfg.NumClasses
		y[n] = c
		row := x.Data[n*size : (n+1)*size]
		for i := range row {
			row[i] = means[c][i] + noise.Rand()
		}
	}
	return New(x, y, cfg.NumClasses)
}
