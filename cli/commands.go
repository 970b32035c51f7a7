package cli

import (
	"context"

	"fedpara_lib/partition"
	"fedpara_lib/utils"

	"github.com/spf13/cobra"
)

const defEnvFile = ".env"

var (
	configPath string
	envFile    = defEnvFile
)

// NewRootCmd assembles the fedpara command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fedpara",
		Short: "FedPara federated learning simulator",
		Long: `FedPara trains low-rank Hadamard-factorized networks across simulated
clients holding Dirichlet non-IID splits of a dataset.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Handlers print their own errors; flag errors are printed the same way.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		logErrorCmd(*cmd, err)

		return err
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML experiment file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defEnvFile, "dotenv file applied before FEDPARA_* variables")

	rootCmd.AddCommand(NewRankCmd())
	rootCmd.AddCommand(NewPartitionCmd())
	rootCmd.AddCommand(NewSimulateCmd())

	return rootCmd
}

// overrides are flags that win over the config file and the environment.
type overrides struct {
	rounds  int
	clients int
	alpha   float64
	method  string
	secure  bool
	seed    uint64
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.rounds, "rounds", 0, "Federated rounds")
	cmd.Flags().IntVar(&o.clients, "clients", 0, "Number of clients")
	cmd.Flags().Float64Var(&o.alpha, "alpha", 0, "Dirichlet concentration")
	cmd.Flags().StringVar(&o.method, "method", "", "Exchange method: fedavg, pfedpara or fedper")
	cmd.Flags().BoolVar(&o.secure, "secure", false, "Aggregate under CKKS encryption")
	cmd.Flags().Uint64Var(&o.seed, "seed", 0, "Random seed")
}

func (o *overrides) apply(cmd *cobra.Command, cfg *utils.Config) {
	flags := cmd.Flags()
	if flags.Changed("rounds") {
		cfg.Simulation.Rounds = o.rounds
	}
	if flags.Changed("clients") {
		cfg.Partition.NumClients = o.clients
	}
	if flags.Changed("alpha") {
		cfg.Partition.Alpha = o.alpha
	}
	if flags.Changed("method") {
		cfg.Simulation.Method = o.method
	}
	if flags.Changed("secure") {
		cfg.Simulation.Secure = o.secure
	}
	if flags.Changed("seed") {
		cfg.Simulation.Seed = o.seed
	}
}

func loadConfig(cmd *cobra.Command, o *overrides) (*utils.Config, error) {
	cfg, err := utils.LoadConfig(configPath, envFile)
	if err != nil {
		return nil, err
	}
	o.apply(cmd, cfg)
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PartitionReport is printed by the partition command.
type PartitionReport struct {
	Dataset    string        `json:"dataset"`
	Path       string        `json:"path"`
	NumClients int           `json:"num_clients"`
	Alpha      float64       `json:"alpha"`
	EqualSize  bool          `json:"equal_size"`
	Skew       float64       `json:"skew"`
	Clients    []ClientShare `json:"clients"`
}

type ClientShare struct {
	Samples int         `json:"samples"`
	Ratio   float64     `json:"ratio"`
	Classes map[int]int `json:"classes"`
}

func NewPartitionCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Create or inspect the Dirichlet client partition",
		Long: `Load the stored partition for the configured dataset, client count and
alpha, creating it when missing, and print per-client class statistics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &o)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			data, err := loadDataset(cfg)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			parts, err := loadPartition(cfg, data, logger)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			logJSONCmd(*cmd, partitionReport(cfg, data.Y, parts))

			return nil
		},
	}
	o.register(cmd)

	return cmd
}

func partitionReport(cfg *utils.Config, labels []int, parts [][]int) PartitionReport {
	store := partition.NewStore(cfg.Partition.Dir, nil)
	r := PartitionReport{
		Dataset:    cfg.Data.Name,
		Path:       store.Path(cfg.Data.Name, cfg.Partition.NumClients, cfg.Partition.Alpha),
		NumClients: len(parts),
		Alpha:      cfg.Partition.Alpha,
		EqualSize:  cfg.Partition.EqualSize,
		Skew:       partition.Skew(labels, parts, cfg.Model.NumClasses),
	}
	ratios := partition.DataRatio(parts)
	for i, counts := range partition.ClassCounts(labels, parts) {
		r.Clients = append(r.Clients, ClientShare{Samples: len(parts[i]), Ratio: ratios[i], Classes: counts})
	}
	return r
}

func NewSimulateCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a federated training simulation",
		Long: `Partition the dataset, train every round's clients in parallel and
aggregate their exchanged parameters.

Examples:
  # pFedPara on the default synthetic problem
  fedpara simulate --rounds 5

  # FedAvg with encrypted aggregation
  fedpara simulate -c experiment.toml --method fedavg --secure`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &o)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			exp, err := newExperiment(cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			summary, err := exp.run(ctx)
			if err != nil {
				logErrorCmd(*cmd, err)

				return err
			}
			utils.Output = cmd.OutOrStdout()
			utils.PrintTimingStats(exp.timing)
			logJSONCmd(*cmd, summary)
			logOKCmd(*cmd, "simulation complete")

			return nil
		},
	}
	o.register(cmd)

	return cmd
}
