package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fedpara_lib/model"
	"fedpara_lib/nn/layers"
	"fedpara_lib/params"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	color.NoColor = true
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func execute(t *testing.T, args ...string) (stdout, stderr string) {
	t.Helper()
	stdout, stderr, err := run(t, args...)
	require.NoError(t, err, stderr)
	return stdout, stderr
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "experiment.toml")
	content := fmt.Sprintf(`
[model]
name = "fc"
input_size = 4
hidden_size = 8
num_classes = 2
ratio = 0.0

[data]
synthetic_samples = 200
synthetic_separation = 3.0
synthetic_noise = 0.5

[partition]
num_clients = 3
alpha = 1.0
dir = %q

[train]
epochs = 1
batch_size = 16
eta_l = 0.1

[simulation]
rounds = 2

[output]
dir = %q
metrics_file = %q
export_npy = true
log_level = "off"
`, filepath.Join(dir, "parts"), filepath.Join(dir, "runs"), filepath.Join(dir, "fedpara.prom"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRankCmd(t *testing.T) {
	out, _ := execute(t, "rank", "--in", "784", "--out", "256", "--ratio", "0")
	var r RankReport
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &r))
	assert.Equal(t, 16, r.RMin)
	assert.Equal(t, 88, r.RMax)
	assert.Equal(t, 16, r.Rank)
	assert.Equal(t, layers.LowRankLinearParams(784, 256, 16), r.LowRankParams)
	assert.Equal(t, 784*256, r.DenseParams)
	assert.Less(t, r.Compression, 1.0)

	_, errOut, err := run(t, "rank", "--in", "0")
	assert.ErrorIs(t, err, layers.ErrInvalidDims)
	assert.Contains(t, errOut, "error")

	_, errOut, err = run(t, "rank", "--in", "many")
	assert.Error(t, err)
	assert.Contains(t, errOut, "error")
}

func TestComputeRankReport_Conv(t *testing.T) {
	r, err := computeRankReport(64, 128, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, r.Rank)
	assert.Equal(t, 64*128*9, r.DenseParams)
	assert.Equal(t, layers.LowRankConvParams(64, 128, 3, 8), r.LowRankParams)
}

func TestPartitionCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, _ := execute(t, "partition", "-c", cfgPath, "--env-file", "", "--alpha", "0.5")
	var r PartitionReport
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &r))
	assert.Equal(t, 3, r.NumClients)
	assert.Equal(t, 0.5, r.Alpha)
	assert.FileExists(t, filepath.Join(dir, "parts", "synthetic", "train_3_0.50.json"))

	total := 0
	for _, c := range r.Clients {
		total += c.Samples
	}
	assert.Equal(t, 200, total)

	// A second run reads the stored partition.
	again, _ := execute(t, "partition", "-c", cfgPath, "--env-file", "", "--alpha", "0.5")
	assert.JSONEq(t, strings.TrimSpace(out), strings.TrimSpace(again))
}

func TestSimulateCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, errOut := execute(t, "simulate", "-c", cfgPath, "--env-file", "", "--method", "fedavg")
	require.NotContains(t, errOut, "error:")
	assert.Contains(t, out, "simulation complete")
	assert.Contains(t, out, "TIMING STATISTICS")

	runs, err := os.ReadDir(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runDir := filepath.Join(dir, "runs", runs[0].Name())

	global, err := params.Load(filepath.Join(runDir, "global.json"))
	require.NoError(t, err)
	assert.Contains(t, global.Names(), "fc1.w2.X")

	imported, err := params.ImportNPY(filepath.Join(runDir, "npy"))
	require.NoError(t, err)
	assert.Equal(t, global.Names(), imported.Names())

	raw, err := os.ReadFile(filepath.Join(runDir, "history.json"))
	require.NoError(t, err)
	var h struct {
		RunID  string `json:"run_id"`
		Rounds []struct {
			Evaluated bool `json:"evaluated"`
		} `json:"rounds"`
	}
	require.NoError(t, json.Unmarshal(raw, &h))
	assert.Equal(t, runs[0].Name(), h.RunID)
	require.Len(t, h.Rounds, 2)
	assert.True(t, h.Rounds[1].Evaluated)

	assert.FileExists(t, filepath.Join(dir, "fedpara.prom"))
}

func TestSimulateCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	_, errOut, err := run(t, "simulate", "-c", cfgPath, "--env-file", "", "--method", "fedprox")
	assert.ErrorIs(t, err, model.ErrUnknownMethod)
	assert.Contains(t, errOut, "unknown")
}
