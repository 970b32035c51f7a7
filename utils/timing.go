package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"fedpara_lib/nn"
)

// Verbose controls whether timing statistics are printed.
var Verbose = true

// Output is the writer where timing statistics are printed.
var Output io.Writer = os.Stdout

// TimingStats accumulates where a simulation spends its time.
type TimingStats struct {
	TotalTime        time.Duration
	DataLoadingTime  time.Duration
	PartitionTime    time.Duration
	ModelInitTime    time.Duration
	ForwardPassTime  time.Duration
	BackwardPassTime time.Duration
	UpdateTime       time.Duration
	AggregationTime  time.Duration
	EvaluationTime   time.Duration
	Rounds           int
	ClientFits       int
}

// AddFit folds one client's training stats in.
func (s *TimingStats) AddFit(e nn.EpochStats) {
	s.ForwardPassTime += e.Forward
	s.BackwardPassTime += e.Backward
	s.UpdateTime += e.Update
	s.ClientFits++
}

func percent(part, whole time.Duration) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func perStep(d time.Duration, n int) time.Duration {
	if n == 0 {
		return 0
	}
	return d / time.Duration(n)
}

// PrintTimingStats prints the breakdown to Output unless Verbose is false.
// Client training time is summed over clients, so with parallel clients it
// can exceed the total.
func PrintTimingStats(stats *TimingStats) {
	if !Verbose {
		return
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Rounds completed: %d\n", stats.Rounds)
	fmt.Fprintf(Output, "Average time per round: %v\n", perStep(stats.TotalTime, stats.Rounds))
	fmt.Fprintln(Output, "\nBreakdown by operation:")
	fmt.Fprintf(Output, "  Data loading: %v (%.1f%%)\n", stats.DataLoadingTime, percent(stats.DataLoadingTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Partitioning: %v (%.1f%%)\n", stats.PartitionTime, percent(stats.PartitionTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Model initialization: %v (%.1f%%)\n", stats.ModelInitTime, percent(stats.ModelInitTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Aggregation: %v (%.1f%%)\n", stats.AggregationTime, percent(stats.AggregationTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Evaluation: %v (%.1f%%)\n", stats.EvaluationTime, percent(stats.EvaluationTime, stats.TotalTime))
	train := stats.ForwardPassTime + stats.BackwardPassTime + stats.UpdateTime
	fmt.Fprintln(Output, "\nClient training (summed over clients):")
	fmt.Fprintf(Output, "  Forward pass: %v (%.1f%% of training)\n", stats.ForwardPassTime, percent(stats.ForwardPassTime, train))
	fmt.Fprintf(Output, "  Backward pass: %v (%.1f%% of training)\n", stats.BackwardPassTime, percent(stats.BackwardPassTime, train))
	fmt.Fprintf(Output, "  Weight updates: %v (%.1f%% of training)\n", stats.UpdateTime, percent(stats.UpdateTime, train))
	fmt.Fprintf(Output, "  Average per client fit: %v\n", perStep(train, stats.ClientFits))
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
