package cli

import (
	"fedpara_lib/nn/layers"

	"github.com/spf13/cobra"
)

// RankReport is printed by the rank command.
type RankReport struct {
	In            int     `json:"in"`
	Out           int     `json:"out"`
	Kernel        int     `json:"kernel"`
	Ratio         float64 `json:"ratio"`
	RMin          int     `json:"r_min"`
	RMax          int     `json:"r_max"`
	Rank          int     `json:"rank"`
	LowRankParams int     `json:"lowrank_params"`
	DenseParams   int     `json:"dense_params"`
	Compression   float64 `json:"compression"`
}

func computeRankReport(in, out, kernel int, ratio float64) (RankReport, error) {
	rMin, rMax, err := layers.RankBounds(in, out, kernel)
	if err != nil {
		return RankReport{}, err
	}
	rank, err := layers.ComputeRank(in, out, ratio, kernel)
	if err != nil {
		return RankReport{}, err
	}
	r := RankReport{In: in, Out: out, Kernel: kernel, Ratio: ratio, RMin: rMin, RMax: rMax, Rank: rank}
	if kernel == 1 {
		r.LowRankParams = layers.LowRankLinearParams(in, out, rank)
	} else {
		r.LowRankParams = layers.LowRankConvParams(in, out, kernel, rank)
	}
	r.DenseParams = in * out * kernel * kernel
	r.Compression = float64(r.LowRankParams) / float64(r.DenseParams)
	return r, nil
}

func NewRankCmd() *cobra.Command {
	var (
		in, out, kernel int
		ratio           float64
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Compute the Hadamard low-rank of a layer",
		Long: `Compute the rank bounds and the interpolated rank of a factorized layer.

Examples:
  # Linear layer 784 -> 256 at ratio 0.1
  fedpara rank --in 784 --out 256 --ratio 0.1

  # 3x3 convolution 64 -> 128
  fedpara rank --in 64 --out 128 --kernel 3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := computeRankReport(in, out, kernel, ratio)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			logJSONCmd(*cmd, r)

			return nil
		},
	}
	cmd.Flags().IntVar(&in, "in", 784, "Input features or channels")
	cmd.Flags().IntVar(&out, "out", 256, "Output features or channels")
	cmd.Flags().IntVarP(&kernel, "kernel", "k", 1, "Kernel size, 1 for linear layers")
	cmd.Flags().Float64VarP(&ratio, "ratio", "r", 0.1, "Interpolation between minimum and maximum rank")

	return cmd
}
