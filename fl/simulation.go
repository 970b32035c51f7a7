package fl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedpara_lib/aggregate"
	"fedpara_lib/nn"
	"fedpara_lib/params"
	"fedpara_lib/utils"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// SimulationConfig controls the round loop.
type SimulationConfig struct {
	RunID           string
	Rounds          int
	ClientsPerRound int // 0 samples every client
	Parallelism     int // concurrent fits; 0 is unbounded
	EvalEvery       int // evaluate every n rounds; 0 only after the last
	Hyperparams     Hyperparams
	Seed            uint64
}

// RoundResult summarizes one round.
type RoundResult struct {
	Round        int           `json:"round"`
	Clients      []int         `json:"clients"`
	TrainLoss    float64       `json:"train_loss"`
	TrainSamples int           `json:"train_samples"`
	Evaluated    bool          `json:"evaluated"`
	EvalLoss     float64       `json:"eval_loss,omitempty"`
	EvalAccuracy float64       `json:"eval_accuracy,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// History is the outcome of Run.
type History struct {
	RunID  string         `json:"run_id"`
	Rounds []RoundResult  `json:"rounds"`
	Global *params.Bundle `json:"-"`
}

// Simulation drives rounds of sample, fit, aggregate and evaluate.
type Simulation struct {
	cfg        SimulationConfig
	clients    []*Client
	global     *params.Bundle
	aggregator aggregate.Aggregator
	logger     hclog.Logger
	metrics    *Metrics
	timing     *utils.TimingStats
	rng        *rand.Rand
}

// NewSimulation takes the initial exchanged parameters in initial, usually
// the PersonalParams of a freshly built server-side model.
func NewSimulation(cfg SimulationConfig, clients []*Client, initial *params.Bundle, agg aggregate.Aggregator,
	logger hclog.Logger, metrics *Metrics, timing *utils.TimingStats) (*Simulation, error) {
	if len(clients) == 0 {
		return nil, ErrNoClients
	}
	if cfg.Rounds <= 0 {
		return nil, fmt.Errorf("rounds must be positive, got %d", cfg.Rounds)
	}
	if cfg.ClientsPerRound <= 0 || cfg.ClientsPerRound > len(clients) {
		cfg.ClientsPerRound = len(clients)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if timing == nil {
		timing = &utils.TimingStats{}
	}
	return &Simulation{
		cfg:        cfg,
		clients:    clients,
		global:     initial.Clone(),
		aggregator: agg,
		logger:     logger.Named("simulation").With("run_id", cfg.RunID),
		metrics:    metrics,
		timing:     timing,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (s *Simulation) RunID() string { return s.cfg.RunID }

// Global is a copy of the current aggregated parameters.
func (s *Simulation) Global() *params.Bundle { return s.global.Clone() }

// Run executes cfg.Rounds rounds. It stops at the first client or
// aggregation error, or when ctx is cancelled.
func (s *Simulation) Run(ctx context.Context) (*History, error) {
	start := time.Now()
	defer func() {
		s.timing.TotalTime += time.Since(start)
	}()

	h := &History{RunID: s.cfg.RunID}
	s.logger.Info("starting simulation", "rounds", s.cfg.Rounds, "clients", len(s.clients),
		"clients_per_round", s.cfg.ClientsPerRound, "exchanged_values", s.global.NumValues())
	for round := 1; round <= s.cfg.Rounds; round++ {
		res, err := s.round(ctx, round)
		if err != nil {
			s.logger.Error("round failed", "round", round, "error", err)
			return h, fmt.Errorf("round %d: %w", round, err)
		}
		h.Rounds = append(h.Rounds, res)
		s.timing.Rounds++
		s.metrics.observeRound(res, s.global.NumValues())
		s.logger.Info("round complete", "round", round, "train_loss", res.TrainLoss,
			"eval_loss", res.EvalLoss, "eval_accuracy", res.EvalAccuracy, "duration", res.Duration)
	}
	h.Global = s.global.Clone()
	return h, nil
}

func (s *Simulation) round(ctx context.Context, round int) (RoundResult, error) {
	start := time.Now()
	res := RoundResult{Round: round}
	hp := s.cfg.Hyperparams
	hp.CurrRound = round

	picked := s.sample()
	results := make([]FitResult, len(picked))
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallelism > 0 {
		g.SetLimit(s.cfg.Parallelism)
	}
	for i, c := range picked {
		res.Clients = append(res.Clients, c.ID)
		g.Go(func() error {
			fitStart := time.Now()
			r, err := c.Fit(gctx, s.global, hp)
			s.metrics.observeFit(time.Since(fitStart), err)
			if err != nil {
				return err
			}
			results[i] = r
			s.logger.Debug("client fit", "round", round, "client", c.ID, "samples", r.NumSamples,
				"loss", r.Stats.Loss, "accuracy", r.Stats.Accuracy())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	updates := make([]aggregate.Update, len(results))
	for i, r := range results {
		updates[i] = aggregate.Update{ClientID: picked[i].ID, Params: r.Params, NumSamples: r.NumSamples}
		res.TrainLoss += r.Stats.Loss * float64(r.NumSamples)
		res.TrainSamples += r.NumSamples
		s.timing.AddFit(r.Stats)
	}
	if res.TrainSamples > 0 {
		res.TrainLoss /= float64(res.TrainSamples)
	}

	aggStart := time.Now()
	global, err := s.aggregator.Aggregate(updates)
	if err != nil {
		return res, fmt.Errorf("aggregate: %w", err)
	}
	s.timing.AggregationTime += time.Since(aggStart)
	s.global = global

	if s.shouldEvaluate(round) {
		evalStart := time.Now()
		loss, acc, err := s.evaluate(ctx)
		s.timing.EvaluationTime += time.Since(evalStart)
		switch {
		case errors.Is(err, nn.ErrEmptyDataset):
			s.logger.Warn("no client has test data, skipping evaluation", "round", round)
		case err != nil:
			return res, fmt.Errorf("evaluate: %w", err)
		default:
			res.Evaluated, res.EvalLoss, res.EvalAccuracy = true, loss, acc
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Simulation) shouldEvaluate(round int) bool {
	if round == s.cfg.Rounds {
		return true
	}
	return s.cfg.EvalEvery > 0 && round%s.cfg.EvalEvery == 0
}

// sample draws ClientsPerRound distinct clients.
func (s *Simulation) sample() []*Client {
	if s.cfg.ClientsPerRound == len(s.clients) {
		return s.clients
	}
	perm := s.rng.Perm(len(s.clients))[:s.cfg.ClientsPerRound]
	out := make([]*Client, len(perm))
	for i, p := range perm {
		out[i] = s.clients[p]
	}
	return out
}

// evaluate scores the global parameters on every client holding test data
// and returns the test-sample-weighted mean loss and accuracy.
func (s *Simulation) evaluate(ctx context.Context) (loss, accuracy float64, err error) {
	type score struct {
		loss, acc float64
		n         int
	}
	scores := make([]score, len(s.clients))
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallelism > 0 {
		g.SetLimit(s.cfg.Parallelism)
	}
	for i, c := range s.clients {
		if c.Test == nil || c.Test.Len() == 0 {
			continue
		}
		g.Go(func() error {
			l, a, n, err := c.Evaluate(gctx, s.global)
			if err != nil {
				return err
			}
			scores[i] = score{l, a, n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	total := 0
	for _, sc := range scores {
		loss += sc.loss * float64(sc.n)
		accuracy += sc.acc * float64(sc.n)
		total += sc.n
	}
	if total == 0 {
		return 0, 0, nn.ErrEmptyDataset
	}
	return loss / float64(total), accuracy / float64(total), nil
}
