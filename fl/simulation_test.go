package fl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fedpara_lib/aggregate"
	"fedpara_lib/core/ckkswrapper"
	"fedpara_lib/dataset"
	"fedpara_lib/model"
	"fedpara_lib/nn"
	"fedpara_lib/nn/layers"
	"fedpara_lib/params"
	"fedpara_lib/partition"
	"fedpara_lib/utils"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

var testHyperparams = Hyperparams{EtaL: 0.1, LearningDecay: 0.99, Momentum: 0.9, WeightDecay: 1e-4}

func fcConfig(pt model.ParamType, method model.Method) model.FCConfig {
	return model.FCConfig{
		InputSize:    4,
		HiddenSize:   8,
		NumClasses:   2,
		Ratio:        0,
		ParamType:    pt,
		Activation:   layers.ActReLU,
		Personalized: method == model.MethodPFedPara,
		Method:       method,
	}
}

// newClients splits a two-blob problem across n clients, holding out a
// fifth of every client's samples for testing. It returns the clients and
// the exchanged parameters of a server-side model.
func newClients(t *testing.T, n int, cfg model.FCConfig) ([]*Client, *params.Bundle) {
	t.Helper()
	data, err := dataset.Synthetic(dataset.SyntheticConfig{
		Samples: 400, NumClasses: 2, Shape: []int{4}, Separation: 3, Noise: 0.5,
	}, rand.NewSource(1))
	require.NoError(t, err)

	parts, err := partition.Dirichlet(data.Y, partition.Options{NumClients: n, NumClasses: 2, Alpha: 10},
		rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	clients := make([]*Client, n)
	for i, p := range parts {
		m, err := model.NewFC(cfg, rand.NewSource(uint64(100+i)))
		require.NoError(t, err)
		cut := len(p) / 5
		clients[i] = NewClient(i, m, data.Subset(p[cut:]), data.Subset(p[:cut]), 1, 16, uint64(i))
	}
	server, err := model.NewFC(cfg, rand.NewSource(99))
	require.NoError(t, err)
	return clients, server.PersonalParams()
}

func TestHyperparams_LearningRate(t *testing.T) {
	hp := Hyperparams{EtaL: 0.1, LearningDecay: 0.5, CurrRound: 3}
	assert.InDelta(t, 0.025, hp.LearningRate(), 1e-12)
}

func TestClient_FitExchangesOnlyW1(t *testing.T) {
	clients, global := newClients(t, 2, fcConfig(model.ParamLowRank, model.MethodPFedPara))
	c := clients[0]
	for _, name := range global.Names() {
		assert.Contains(t, name, ".w1.")
	}

	hp := testHyperparams
	hp.CurrRound = 1
	res, err := c.Fit(context.Background(), global, hp)
	require.NoError(t, err)
	assert.Equal(t, c.Train.Len(), res.NumSamples)
	assert.Equal(t, global.Names(), res.Params.Names())
	assert.Equal(t, c.Train.Len(), res.Stats.Samples)

	// Training moved the exchanged factors away from the global ones.
	assert.NotEqual(t, global.Flatten(), res.Params.Flatten())
}

func TestClient_FitLoadsGlobalBeforeTraining(t *testing.T) {
	clients, global := newClients(t, 1, fcConfig(model.ParamStandard, model.MethodFedAvg))
	c := clients[0]
	hp := testHyperparams
	hp.EtaL = 0
	hp.Momentum, hp.WeightDecay = 0, 0
	hp.CurrRound = 1

	res, err := c.Fit(context.Background(), global, hp)
	require.NoError(t, err)
	assert.Equal(t, global.Flatten(), res.Params.Flatten())
}

func TestClient_Errors(t *testing.T) {
	m, err := model.NewFC(fcConfig(model.ParamStandard, model.MethodFedAvg), rand.NewSource(1))
	require.NoError(t, err)
	c := NewClient(7, m, nil, nil, 1, 8, 1)

	_, err = c.Fit(context.Background(), nil, testHyperparams)
	assert.ErrorIs(t, err, nn.ErrEmptyDataset)
	_, _, _, err = c.Evaluate(context.Background(), nil)
	assert.ErrorIs(t, err, nn.ErrEmptyDataset)

	wrong := params.New()
	_, err = c.Fit(context.Background(), wrong, testHyperparams)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err = c.Evaluate(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulation_Run(t *testing.T) {
	clients, global := newClients(t, 4, fcConfig(model.ParamStandard, model.MethodFedAvg))
	metrics := NewMetrics("test-run")
	timing := &utils.TimingStats{}
	sim, err := NewSimulation(SimulationConfig{
		RunID:       "test-run",
		Rounds:      8,
		EvalEvery:   4,
		Hyperparams: testHyperparams,
	}, clients, global, aggregate.NewFedAvg(), hclog.NewNullLogger(), metrics, timing)
	require.NoError(t, err)

	h, err := sim.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.Rounds, 8)
	assert.Equal(t, "test-run", h.RunID)
	assert.True(t, h.Rounds[3].Evaluated)
	assert.False(t, h.Rounds[4].Evaluated)
	last := h.Rounds[7]
	assert.True(t, last.Evaluated)
	assert.Greater(t, last.EvalAccuracy, 0.9)
	assert.Less(t, last.TrainLoss, h.Rounds[0].TrainLoss)
	assert.Len(t, last.Clients, 4)

	assert.Equal(t, 8, timing.Rounds)
	assert.Equal(t, 32, timing.ClientFits)
	require.NoError(t, global.SameLayout(h.Global))

	path := filepath.Join(t.TempDir(), "fedpara.prom")
	require.NoError(t, metrics.WriteTextfile(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `fedpara_rounds_total{run_id="test-run"} 8`)
	assert.Contains(t, text, `fedpara_client_fits_total{outcome="ok",run_id="test-run"} 32`)
	assert.True(t, strings.Contains(text, "fedpara_eval_accuracy"))
}

func TestSimulation_SamplesDistinctClients(t *testing.T) {
	clients, global := newClients(t, 5, fcConfig(model.ParamLowRank, model.MethodFedPer))
	sim, err := NewSimulation(SimulationConfig{Rounds: 3, ClientsPerRound: 2, Parallelism: 1, Hyperparams: testHyperparams, Seed: 4},
		clients, global, aggregate.NewFedAvg(), nil, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sim.RunID())

	h, err := sim.Run(context.Background())
	require.NoError(t, err)
	for _, r := range h.Rounds {
		require.Len(t, r.Clients, 2)
		assert.NotEqual(t, r.Clients[0], r.Clients[1])
	}
	for _, name := range h.Global.Names() {
		assert.True(t, strings.HasPrefix(name, "fc2."), name)
	}
}

func TestSimulation_SecureAggregationMatchesPlain(t *testing.T) {
	he, err := ckkswrapper.NewHeContext()
	require.NoError(t, err)
	cfg := SimulationConfig{Rounds: 2, Hyperparams: testHyperparams}
	mc := fcConfig(model.ParamLowRank, model.MethodPFedPara)

	run := func(agg aggregate.Aggregator) *params.Bundle {
		clients, global := newClients(t, 3, mc)
		sim, err := NewSimulation(cfg, clients, global, agg, nil, nil, nil)
		require.NoError(t, err)
		h, err := sim.Run(context.Background())
		require.NoError(t, err)
		return h.Global
	}
	plain := run(aggregate.NewFedAvg())
	secure := run(aggregate.NewSecureFedAvg(he))
	assert.InDeltaSlice(t, plain.Flatten(), secure.Flatten(), 1e-4)
}

func TestSimulation_Errors(t *testing.T) {
	_, err := NewSimulation(SimulationConfig{Rounds: 1}, nil, params.New(), aggregate.NewFedAvg(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoClients)

	clients, global := newClients(t, 2, fcConfig(model.ParamStandard, model.MethodFedAvg))
	_, err = NewSimulation(SimulationConfig{Rounds: 0}, clients, global, aggregate.NewFedAvg(), nil, nil, nil)
	assert.Error(t, err)

	sim, err := NewSimulation(SimulationConfig{Rounds: 2, Hyperparams: testHyperparams}, clients, global,
		aggregate.NewFedAvg(), nil, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sim.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
