package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fedpara_lib/aggregate"
	"fedpara_lib/core/ckkswrapper"
	"fedpara_lib/dataset"
	"fedpara_lib/fl"
	"fedpara_lib/model"
	"fedpara_lib/params"
	"fedpara_lib/partition"
	"fedpara_lib/utils"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/rand"
)

// experiment wires a validated config into a runnable simulation.
type experiment struct {
	cfg     *utils.Config
	runID   string
	logger  hclog.Logger
	timing  *utils.TimingStats
	data    *dataset.Dataset
	parts   [][]int
	size    model.Size
	metrics *fl.Metrics
	sim     *fl.Simulation
}

func newLogger(cfg *utils.Config, out io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "fedpara",
		Level:      hclog.LevelFromString(cfg.Output.LogLevel),
		JSONFormat: cfg.Output.LogJSON,
		Output:     out,
	})
}

func loadDataset(cfg *utils.Config) (*dataset.Dataset, error) {
	if cfg.Data.Features != "" {
		return dataset.LoadNPY(cfg.Data.Features, cfg.Data.Labels, cfg.Model.NumClasses)
	}
	shape := []int{cfg.Model.InputSize}
	if kind, _ := model.ParseKind(cfg.Model.Name); kind == model.KindVGG {
		shape = []int{cfg.Model.InChannels, cfg.Model.ImageSize, cfg.Model.ImageSize}
	}
	return dataset.Synthetic(dataset.SyntheticConfig{
		Samples:    cfg.Data.SyntheticSamples,
		NumClasses: cfg.Model.NumClasses,
		Shape:      shape,
		Separation: cfg.Data.SyntheticSeparation,
		Noise:      cfg.Data.SyntheticNoise,
	}, rand.NewSource(cfg.Simulation.Seed))
}

func loadPartition(cfg *utils.Config, data *dataset.Dataset, logger hclog.Logger) ([][]int, error) {
	store := partition.NewStore(cfg.Partition.Dir, logger)
	parts, _, err := store.LoadOrCreate(cfg.Data.Name, data.Y, partition.Options{
		NumClients: cfg.Partition.NumClients,
		NumClasses: cfg.Model.NumClasses,
		Alpha:      cfg.Partition.Alpha,
		EqualSize:  cfg.Partition.EqualSize,
		MaxDraws:   cfg.Partition.MaxDraws,
	}, rand.New(rand.NewSource(cfg.Simulation.Seed)))
	return parts, err
}

func newExperiment(cfg *utils.Config, logger hclog.Logger) (*experiment, error) {
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	e := &experiment{cfg: cfg, runID: uuid.NewString(), timing: &utils.TimingStats{}}
	e.logger = logger.With("run_id", e.runID)

	start := time.Now()
	if e.data, err = loadDataset(cfg); err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	e.timing.DataLoadingTime = time.Since(start)

	start = time.Now()
	if e.parts, err = loadPartition(cfg, e.data, e.logger); err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}
	e.timing.PartitionTime = time.Since(start)

	start = time.Now()
	seed := cfg.Simulation.Seed
	server, err := model.New(mc, rand.NewSource(seed))
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	e.size = server.Size()
	clients := make([]*fl.Client, len(e.parts))
	for i, p := range e.parts {
		m, err := model.New(mc, rand.NewSource(seed+1+uint64(i)))
		if err != nil {
			return nil, fmt.Errorf("build client %d model: %w", i, err)
		}
		cut := int(float64(len(p)) * cfg.Data.TestFraction)
		clients[i] = fl.NewClient(i, m, e.data.Subset(p[cut:]), e.data.Subset(p[:cut]),
			cfg.Train.Epochs, cfg.Train.BatchSize, seed+10_000+uint64(i))
	}
	e.timing.ModelInitTime = time.Since(start)
	e.logger.Info("model built", "model", cfg.Model.Name, "method", cfg.Simulation.Method,
		"million_params", e.size.MillionParams(), "megabytes", e.size.Megabytes, "exchanged_values", server.PersonalParams().NumValues())

	var agg aggregate.Aggregator = aggregate.NewFedAvg()
	if cfg.Simulation.Secure {
		he, err := ckkswrapper.NewHeContext()
		if err != nil {
			return nil, err
		}
		agg = aggregate.NewSecureFedAvg(he)
	}

	e.metrics = fl.NewMetrics(e.runID)
	e.sim, err = fl.NewSimulation(fl.SimulationConfig{
		RunID:           e.runID,
		Rounds:          cfg.Simulation.Rounds,
		ClientsPerRound: cfg.Simulation.ClientsPerRound,
		Parallelism:     cfg.Simulation.Parallelism,
		EvalEvery:       cfg.Simulation.EvalEvery,
		Seed:            seed,
		Hyperparams: fl.Hyperparams{
			EtaL:          cfg.Train.EtaL,
			LearningDecay: cfg.Train.LearningDecay,
			Momentum:      cfg.Train.Momentum,
			WeightDecay:   cfg.Train.WeightDecay,
		},
	}, clients, server.PersonalParams(), agg, logger, e.metrics, e.timing)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Summary is the result of a simulate run.
type Summary struct {
	RunID        string  `json:"run_id"`
	Model        string  `json:"model"`
	Method       string  `json:"method"`
	Params       int     `json:"params"`
	Megabytes    float64 `json:"megabytes"`
	Rounds       int     `json:"rounds"`
	EvalLoss     float64 `json:"eval_loss"`
	EvalAccuracy float64 `json:"eval_accuracy"`
	OutputDir    string  `json:"output_dir"`
}

// run executes the simulation and writes history.json, global.json, the
// optional .npy export and the optional metrics textfile under
// <output.dir>/<run id>.
func (e *experiment) run(ctx context.Context) (Summary, error) {
	h, err := e.sim.Run(ctx)
	if err != nil {
		return Summary{}, err
	}
	dir := filepath.Join(e.cfg.Output.Dir, e.runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create output dir: %w", err)
	}
	history, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return Summary{}, fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "history.json"), history, 0o644); err != nil {
		return Summary{}, err
	}
	if err := params.Save(filepath.Join(dir, "global.json"), h.Global); err != nil {
		return Summary{}, err
	}
	if e.cfg.Output.ExportNPY {
		if err := params.ExportNPY(filepath.Join(dir, "npy"), h.Global); err != nil {
			return Summary{}, err
		}
	}
	if e.cfg.Output.MetricsFile != "" {
		if err := e.metrics.WriteTextfile(e.cfg.Output.MetricsFile); err != nil {
			return Summary{}, fmt.Errorf("write metrics: %w", err)
		}
	}

	s := Summary{
		RunID:     e.runID,
		Model:     e.cfg.Model.Name,
		Method:    e.cfg.Simulation.Method,
		Params:    e.size.Params,
		Megabytes: e.size.Megabytes,
		Rounds:    len(h.Rounds),
		OutputDir: dir,
	}
	for _, r := range h.Rounds {
		if r.Evaluated {
			s.EvalLoss, s.EvalAccuracy = r.EvalLoss, r.EvalAccuracy
		}
	}
	return s, nil
}
