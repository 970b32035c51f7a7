package utils

import (
	"errors"
	"fmt"
	"os"

	"fedpara_lib/model"
	"fedpara_lib/nn/layers"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

// EnvPrefix prefixes every environment override, e.g. FEDPARA_TRAIN_EPOCHS.
const EnvPrefix = "FEDPARA_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds an experiment. Precedence, lowest first: DefaultConfig, the
// TOML file, a .env file, the process environment.
type Config struct {
	Model      ModelConfig      `toml:"model"      envPrefix:"MODEL_"`
	Data       DataConfig       `toml:"data"       envPrefix:"DATA_"`
	Partition  PartitionConfig  `toml:"partition"  envPrefix:"PARTITION_"`
	Train      TrainConfig      `toml:"train"      envPrefix:"TRAIN_"`
	Simulation SimulationConfig `toml:"simulation" envPrefix:"SIM_"`
	Output     OutputConfig     `toml:"output"     envPrefix:"OUTPUT_"`
}

type ModelConfig struct {
	Name         string  `toml:"name"          env:"NAME"`
	ParamType    string  `toml:"param_type"    env:"PARAM_TYPE"`
	ConvType     string  `toml:"conv_type"     env:"CONV_TYPE"`
	Ratio        float64 `toml:"ratio"         env:"RATIO"`
	Activation   string  `toml:"activation"    env:"ACTIVATION"`
	AddNonlinear bool    `toml:"add_nonlinear" env:"ADD_NONLINEAR"`
	InputSize    int     `toml:"input_size"    env:"INPUT_SIZE"`
	HiddenSize   int     `toml:"hidden_size"   env:"HIDDEN_SIZE"`
	NumClasses   int     `toml:"num_classes"   env:"NUM_CLASSES"`
	InChannels   int     `toml:"in_channels"   env:"IN_CHANNELS"`
	ImageSize    int     `toml:"image_size"    env:"IMAGE_SIZE"`
	Layers       []int   `toml:"layers"        env:"LAYERS"`
	NumGroups    int     `toml:"num_groups"    env:"NUM_GROUPS"`
	Hidden       int     `toml:"hidden"        env:"HIDDEN"`
	Dropout      float64 `toml:"dropout"       env:"DROPOUT"`
}

// DataConfig points at .npy files; without Features a synthetic problem
// of SyntheticSamples Gaussian blobs is generated.
type DataConfig struct {
	Name                string  `toml:"name"                 env:"NAME"`
	Features            string  `toml:"features"             env:"FEATURES"`
	Labels              string  `toml:"labels"               env:"LABELS"`
	TestFraction        float64 `toml:"test_fraction"        env:"TEST_FRACTION"`
	SyntheticSamples    int     `toml:"synthetic_samples"    env:"SYNTHETIC_SAMPLES"`
	SyntheticSeparation float64 `toml:"synthetic_separation" env:"SYNTHETIC_SEPARATION"`
	SyntheticNoise      float64 `toml:"synthetic_noise"      env:"SYNTHETIC_NOISE"`
}

type PartitionConfig struct {
	NumClients int     `toml:"num_clients" env:"NUM_CLIENTS"`
	Alpha      float64 `toml:"alpha"       env:"ALPHA"`
	EqualSize  bool    `toml:"equal_size"  env:"EQUAL_SIZE"`
	MaxDraws   int     `toml:"max_draws"   env:"MAX_DRAWS"`
	Dir        string  `toml:"dir"         env:"DIR"`
}

type TrainConfig struct {
	Epochs        int     `toml:"epochs"         env:"EPOCHS"`
	BatchSize     int     `toml:"batch_size"     env:"BATCH_SIZE"`
	EtaL          float64 `toml:"eta_l"          env:"ETA_L"`
	LearningDecay float64 `toml:"learning_decay" env:"LEARNING_DECAY"`
	Momentum      float64 `toml:"momentum"       env:"MOMENTUM"`
	WeightDecay   float64 `toml:"weight_decay"   env:"WEIGHT_DECAY"`
}

type SimulationConfig struct {
	Method          string `toml:"method"            env:"METHOD"`
	Rounds          int    `toml:"rounds"            env:"ROUNDS"`
	ClientsPerRound int    `toml:"clients_per_round" env:"CLIENTS_PER_ROUND"`
	Parallelism     int    `toml:"parallelism"       env:"PARALLELISM"`
	EvalEvery       int    `toml:"eval_every"        env:"EVAL_EVERY"`
	Secure          bool   `toml:"secure"            env:"SECURE"`
	Seed            uint64 `toml:"seed"              env:"SEED"`
}

type OutputConfig struct {
	Dir         string `toml:"dir"          env:"DIR"`
	MetricsFile string `toml:"metrics_file" env:"METRICS_FILE"`
	ExportNPY   bool   `toml:"export_npy"   env:"EXPORT_NPY"`
	LogLevel    string `toml:"log_level"    env:"LOG_LEVEL"`
	LogJSON     bool   `toml:"log_json"     env:"LOG_JSON"`
}

// DefaultConfig is pFedPara on the MNIST-sized FC network.
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Name:       "fc",
			ParamType:  "lowrank",
			ConvType:   "lowrank",
			Ratio:      0.1,
			Activation: "relu",
			InputSize:  28 * 28,
			HiddenSize: 256,
			NumClasses: 10,
			InChannels: 3,
			ImageSize:  32,
			Layers:     append([]int(nil), model.VGG16...),
			NumGroups:  2,
			Hidden:     512,
			Dropout:    0.5,
		},
		Data: DataConfig{
			Name:                "synthetic",
			TestFraction:        0.2,
			SyntheticSamples:    2000,
			SyntheticSeparation: 1,
			SyntheticNoise:      1,
		},
		Partition: PartitionConfig{NumClients: 10, Alpha: 0.5, Dir: "data/partitions"},
		Train: TrainConfig{
			Epochs:        5,
			BatchSize:     10,
			EtaL:          0.01,
			LearningDecay: 0.999,
			Momentum:      0.9,
			WeightDecay:   5e-4,
		},
		Simulation: SimulationConfig{Method: "pfedpara", Rounds: 20, EvalEvery: 1, Seed: 42},
		Output:     OutputConfig{Dir: "runs", LogLevel: "info"},
	}
}

// LoadConfig applies the TOML file at path (skipped when empty), then the
// .env file at envFile when it exists, then FEDPARA_* variables.
func LoadConfig(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		tree, err := toml.Load(string(data))
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if err := tree.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("error loading %s: %w", envFile, err)
			}
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}
	return &cfg, nil
}

// ValidateConfig rejects unknown variant names and out-of-range values
// before any training starts.
func ValidateConfig(config *Config) error {
	mc, err := config.ModelConfig()
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if config.Model.Ratio < 0 || config.Model.Ratio > 1 {
		return fail("model.ratio must be in [0, 1], got %g", config.Model.Ratio)
	}
	if mc.Kind == model.KindFC && mc.FC.Method == model.MethodPFedPara && mc.FC.ParamType != model.ParamLowRank {
		return fail("method pfedpara needs param_type lowrank")
	}
	if mc.Kind == model.KindVGG && mc.VGG.Method == model.MethodPFedPara && mc.VGG.ConvType != model.ConvLowRank {
		return fail("method pfedpara needs conv_type lowrank")
	}
	if config.Data.Features == "" && config.Data.SyntheticSamples <= 0 {
		return fail("data.synthetic_samples must be positive without data.features")
	}
	if config.Data.Features != "" && config.Data.Labels == "" {
		return fail("data.labels is required with data.features")
	}
	if config.Data.TestFraction < 0 || config.Data.TestFraction >= 1 {
		return fail("data.test_fraction must be in [0, 1), got %g", config.Data.TestFraction)
	}
	if config.Partition.NumClients <= 0 {
		return fail("partition.num_clients must be positive")
	}
	if !(config.Partition.Alpha > 0) {
		return fail("partition.alpha must be positive")
	}
	if config.Train.BatchSize <= 0 {
		return fail("train.batch_size must be positive")
	}
	if config.Train.Epochs <= 0 {
		return fail("train.epochs must be positive")
	}
	if config.Train.EtaL <= 0 {
		return fail("train.eta_l must be positive")
	}
	if config.Simulation.Rounds <= 0 {
		return fail("simulation.rounds must be positive")
	}
	if config.Simulation.ClientsPerRound < 0 || config.Simulation.ClientsPerRound > config.Partition.NumClients {
		return fail("simulation.clients_per_round must be in [0, %d]", config.Partition.NumClients)
	}
	return nil
}

// ModelConfig parses the variant names into a model.Config. The low-rank
// personalized residual is enabled exactly for pfedpara.
func (c *Config) ModelConfig() (model.Config, error) {
	kind, err := model.ParseKind(c.Model.Name)
	if err != nil {
		return model.Config{}, err
	}
	method, err := model.ParseMethod(c.Simulation.Method)
	if err != nil {
		return model.Config{}, err
	}
	act, err := layers.ParseActivation(c.Model.Activation)
	if err != nil {
		return model.Config{}, err
	}
	out := model.Config{Kind: kind}
	switch kind {
	case model.KindFC:
		pt, err := model.ParseParamType(c.Model.ParamType)
		if err != nil {
			return model.Config{}, err
		}
		out.FC = model.FCConfig{
			InputSize:    c.Model.InputSize,
			HiddenSize:   c.Model.HiddenSize,
			NumClasses:   c.Model.NumClasses,
			Ratio:        c.Model.Ratio,
			ParamType:    pt,
			Activation:   act,
			Personalized: method == model.MethodPFedPara,
			Method:       method,
		}
	case model.KindVGG:
		ct, err := model.ParseConvType(c.Model.ConvType)
		if err != nil {
			return model.Config{}, err
		}
		out.VGG = model.VGGConfig{
			Layers:       append([]int(nil), c.Model.Layers...),
			InChannels:   c.Model.InChannels,
			ImageSize:    c.Model.ImageSize,
			NumClasses:   c.Model.NumClasses,
			NumGroups:    c.Model.NumGroups,
			Hidden:       c.Model.Hidden,
			Dropout:      c.Model.Dropout,
			Ratio:        c.Model.Ratio,
			ConvType:     ct,
			AddNonlinear: c.Model.AddNonlinear,
			Activation:   act,
			Method:       method,
		}
	}
	return out, nil
}
