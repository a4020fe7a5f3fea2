package cmd

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelnn/voxelnn/dataset"
	"github.com/voxelnn/voxelnn/dataset/terrain"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/ml"
	"github.com/voxelnn/voxelnn/ml/nn"
	"github.com/voxelnn/voxelnn/store"
)

// isolate points the configuration and the model store at temporary
// directories.
func isolate(t *testing.T) string {
	t.Helper()
	models := filepath.Join(t.TempDir(), "models")
	t.Setenv("VOXELNN_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("VOXELNN_MODELS", models)
	t.Setenv("VOXELNN_DTYPE", "")
	t.Setenv("VOXELNN_SEED", "")
	envconfig.ReloadConfig()
	t.Cleanup(envconfig.ReloadConfig)
	return models
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cli := NewCLI()
	cli.SetArgs(args)
	cli.SetOut(&stdout)
	cli.SetErr(&stderr)
	err := cli.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeDataset(t *testing.T, name string, entries ...dataset.Entry) string {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, dataset.Write(&b, entries))

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, b.Bytes(), 0o644))
	return p
}

var (
	house = dataset.Entry{
		FriendlyName: "house",
		Tags:         []string{"building", "wood"},
		Dimensions:   []int{2, 3},
		BlockNames:   []string{"air", "planks"},
		Blocks:       []int{0, 1, 0, 1, 1, 1},
	}

	tower = dataset.Entry{
		FriendlyName: "tower",
		Tags:         []string{"stone", "building"},
		Dimensions:   []int{2, 3},
		BlockNames:   []string{"stone", "air"},
		Blocks:       []int{1, 0, 1, 0, 0, 0},
	}
)

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))

	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("VOXELNN_DOTENV_TEST=from-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("VOXELNN_DOTENV_TEST") })

	require.NoError(t, loadDotEnv(p))
	assert.Equal(t, "from-file", os.Getenv("VOXELNN_DOTENV_TEST"))

	t.Setenv("VOXELNN_DOTENV_TEST", "from-env")
	require.NoError(t, loadDotEnv(p))
	assert.Equal(t, "from-env", os.Getenv("VOXELNN_DOTENV_TEST"))
}

func TestScheduleCmd(t *testing.T) {
	isolate(t)

	out, err := run(t, "schedule", "--steps", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"STEP", "TIME", "NOISE", "RATE", "SIGNAL", "RATE", "CONDITIONING"}, strings.Fields(lines[0]))
	// time 1 sits at the minimum signal rate
	assert.Equal(t, []string{"0", "1.0000", "0.9998", "0.0200", "0.9996"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "0.0000", "0.3122", "0.9500", "0.0975"}, strings.Fields(lines[3]))

	_, err = run(t, "schedule", "--min", "0.9", "--max", "0.5")
	require.Error(t, err)

	_, err = run(t, "schedule", "--conditioning", "log")
	require.Error(t, err)
}

func TestKernelCmd(t *testing.T) {
	isolate(t)

	out, err := run(t, "kernel", "--size", "3", "--dims", "2", "--latent", "1", "--precision", "2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "shape [3 3 1 1]\n"))

	_, err = run(t, "kernel", "--size", "1")
	require.ErrorContains(t, err, "--one-on-zero")

	_, err = run(t, "kernel", "--size", "1", "--one-on-zero")
	require.NoError(t, err)

	_, err = run(t, "kernel", "--dims", "4")
	require.Error(t, err)

	out, err = run(t, "kernel", "--size", "3", "--dims", "2", "--latent", "1", "--one-on-zero", "--save", "k")
	require.NoError(t, err)
	assert.Contains(t, out, "saved k (")

	storeConfig, err := store.DefaultConfig()
	require.NoError(t, err)
	ckpt, err := storeConfig.Load("k")
	require.NoError(t, err)
	assert.Equal(t, &store.KernelConfig{Size: 3, RealDims: 2, LatentDims: 1, OneOnZero: true}, ckpt.Config.Kernel)
	assert.Equal(t, []int{3, 3, 1, 1}, ckpt.Tensors["kernel"].Shape())

	_, err = run(t, "generate", "k")
	require.ErrorContains(t, err, "structurization kernel")
}

func TestCodingEval(t *testing.T) {
	isolate(t)
	houses := writeDataset(t, "houses.json", house)
	towers := writeDataset(t, "towers.json", tower)

	out, err := run(t, "coding", "eval", houses, towers, "--vae", "--stddev", "0", "--batch-size", "1", "--kld-weight", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "batches     2\n")
	// one-hot means with unit variance cost 0.5/depth per element
	assert.Regexp(t, `kld_loss\s+0\.333333`, out)
	assert.Regexp(t, `rcstr_loss\s+0\.000000`, out)
	assert.Regexp(t, `str_loss\s+0\.000000`, out)

	_, err = run(t, "kernel", "--size", "3", "--dims", "2", "--latent", "3", "--save", "k2d")
	require.NoError(t, err)

	out, err = run(t, "coding", "eval", houses, towers, "--kernel", "k2d", "--stddev", "0", "--kld-weight", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "batches     1\n")
	assert.Regexp(t, `kld_loss\s+0\.000000`, out)
	assert.NotRegexp(t, `str_loss\s+0\.000000`, out)

	_, err = run(t, "coding", "eval", houses, towers, "--seed", "1")
	require.NoError(t, err)

	_, err = run(t, "kernel", "--dims", "3", "--latent", "3", "--save", "k3d")
	require.NoError(t, err)
	_, err = run(t, "coding", "eval", houses, towers, "--kernel", "k3d")
	require.ErrorIs(t, err, ml.ErrShapeMismatch)

	_, err = run(t, "coding", "eval", houses, "--kernel", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = run(t, "coding", "eval", houses, "--vae", "--kernel", "k2d")
	require.Error(t, err)

	_, err = run(t, "coding", "eval", houses, "--batch-size", "0")
	require.Error(t, err)
}

func TestDatasetGenerate(t *testing.T) {
	isolate(t)

	out, err := run(t, "dataset", "generate", "terrain", "--n", "3", "--size", "24,16", "--seed", "5")
	require.NoError(t, err)
	entries, err := dataset.Read(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.NoError(t, dataset.Validate(e))
		assert.Equal(t, []int{24, 16}, e.Dimensions)
	}

	again, err := run(t, "dataset", "generate", "terrain", "--n", "3", "--size", "24,16", "--seed", "5")
	require.NoError(t, err)
	assert.Equal(t, out, again)

	generated := filepath.Join(t.TempDir(), "empty.cbor")
	out, err = run(t, "dataset", "generate", "empty", "--n", "2", "--size", "2,2,2", "-o", generated)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "dataset", "inspect", generated)
	require.NoError(t, err)
	assert.Contains(t, out, "entries     2\n")
	assert.Contains(t, out, "dimensions  [2 2 2] (8 voxels)\n")
	assert.Contains(t, out, "tags        1 empty-terrain\n")

	_, err = run(t, "dataset", "generate", "empty", "--size", "2,2")
	require.ErrorIs(t, err, terrain.ErrInvalidSize)

	_, err = run(t, "dataset", "generate", "terrain", "--n", "0")
	require.Error(t, err)

	_, err = run(t, "dataset", "generate", "terrain", "--format", "xml")
	require.Error(t, err)
}

func TestDatasetCmds(t *testing.T) {
	isolate(t)
	houses := writeDataset(t, "houses.json", house)
	towers := writeDataset(t, "towers.json", tower)

	out, err := run(t, "dataset", "inspect", houses, towers)
	require.NoError(t, err)
	assert.Contains(t, out, "entries     2\n")
	assert.Contains(t, out, "dimensions  [2 3] (6 voxels)\n")
	assert.Contains(t, out, "tags        3 building, stone, wood\n")
	assert.Contains(t, out, "blocks      3 air, planks, stone\n")
	assert.Contains(t, out, "tower    building, stone")

	out, err = run(t, "dataset", "cooccurrence", houses, towers)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, []string{"building", "2", "1", "1", "0", "1", "1"}, strings.Fields(lines[1]))

	exported := filepath.Join(t.TempDir(), "merged.json")
	_, err = run(t, "dataset", "export", houses, towers, "-o", exported)
	require.NoError(t, err)

	f, err := os.Open(exported)
	require.NoError(t, err)
	defer f.Close()

	entries, err := dataset.Read(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"air", "planks", "stone"}, entries[1].BlockNames)
	assert.Equal(t, []int{0, 2, 0, 2, 2, 2}, entries[1].Blocks)

	packed := filepath.Join(t.TempDir(), "merged.bin")
	_, err = run(t, "dataset", "export", houses, towers, "-o", packed, "--format", "cbor")
	require.NoError(t, err)

	bts, err := os.ReadFile(packed)
	require.NoError(t, err)
	entries, err = dataset.ReadCBOR(bytes.NewReader(bts))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []int{0, 2, 0, 2, 2, 2}, entries[1].Blocks)

	_, err = run(t, "dataset", "export", houses, "--format", "xml")
	require.Error(t, err)

	_, err = run(t, "dataset", "inspect", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestTrainGenerate(t *testing.T) {
	models := isolate(t)
	houses := writeDataset(t, "houses.json", house, tower, house, tower)

	out, err := run(t, "train", "small", houses,
		"--epochs", "2", "--batch-size", "3", "--seed", "1", "--test-fraction", "0.25", "--dtype", "bf16")
	require.NoError(t, err)
	assert.Contains(t, out, "trained small")

	ckpt, err := store.Config{Root: models}.Load("small")
	require.NoError(t, err)
	assert.Equal(t, store.DTypeBF16, ckpt.Config.DType)
	assert.Equal(t, []int{2, 3, 1}, ckpt.Config.DataShape)
	assert.Equal(t, []string{"air", "planks", "stone"}, ckpt.Config.BlockNames)
	assert.Equal(t, "ddim", ckpt.Config.Rule)
	assert.Len(t, ckpt.Tensors, 6)

	out, err = run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "small")
	assert.Contains(t, out, "BF16")

	generated := filepath.Join(t.TempDir(), "generated.json")
	_, err = run(t, "generate", "small", "--n", "3", "--steps", "4", "--seed", "2", "--rule", "ddpm", "-o", generated)
	require.NoError(t, err)

	f, err := os.Open(generated)
	require.NoError(t, err)
	defer f.Close()

	entries, err := dataset.Read(f)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.NoError(t, dataset.Validate(e))
		assert.Equal(t, []int{2, 3}, e.Dimensions)
	}
	assert.Equal(t, "small-1", entries[0].FriendlyName)

	_, err = run(t, "generate", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = run(t, "generate", "small", "--rule", "euler")
	require.Error(t, err)

	_, err = run(t, "train", "bad", houses, "--epochs", "0")
	require.ErrorContains(t, err, "epochs")
}

func TestTrainEmbedding(t *testing.T) {
	models := isolate(t)
	houses := writeDataset(t, "houses.json", house, tower, tower)

	_, err := run(t, "train", "embedded", houses,
		"--epochs", "1", "--seed", "3", "--embedding-dims", "4", "--loss", "euclidean")
	require.NoError(t, err)

	ckpt, err := store.Config{Root: models}.Load("embedded")
	require.NoError(t, err)
	require.NotNil(t, ckpt.Config.Embedding)
	assert.Equal(t, 4, ckpt.Config.Embedding.Dims)
	assert.Equal(t, []int{1, 4}, ckpt.Tensors["live.cond"].Shape())
	assert.Equal(t, []int{1, 4}, ckpt.Tensors["ema.cond"].Shape())

	out, err := run(t, "generate", "embedded", "--n", "2", "--steps", "3", "--seed", "4")
	require.NoError(t, err)

	entries, err := dataset.Read(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = run(t, "train", "bad", houses, "--embedding-dims", "1")
	require.ErrorIs(t, err, nn.ErrInvalidEmbedding)
}

func TestSplitBatch(t *testing.T) {
	data := ml.Zeros(4, 2, 1)

	trainData, testData, err := splitBatch(data, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 3, trainData.Batch())
	assert.Equal(t, 1, testData.Batch())

	trainData, testData, err = splitBatch(data, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, trainData.Batch())
	assert.Equal(t, 0, testData.Batch())

	_, _, err = splitBatch(ml.Zeros(1, 2, 1), 0.99)
	require.NoError(t, err)
}

func TestToEntries(t *testing.T) {
	generated, err := ml.FromFloats([]float64{0.4, 1.6, -3, 9, math.NaN(), 0.5}, 1, 2, 3, 1)
	require.NoError(t, err)

	entries, err := toEntries("gen", generated, []string{"air", "stone", "log"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []int{0, 2, 0, 2, 0, 1}, entries[0].Blocks)
	assert.Equal(t, []int{2, 3}, entries[0].Dimensions)
	assert.Empty(t, entries[0].Tags)

	_, err = toEntries("gen", generated, nil)
	require.Error(t, err)

	_, err = toEntries("gen", ml.Zeros(1, 2, 3, 2), []string{"air"})
	require.ErrorIs(t, err, ml.ErrShapeMismatch)
}

func TestConfigCmd(t *testing.T) {
	isolate(t)

	out, err := run(t, "config")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# defaults, no configuration file found\n"))
	assert.Contains(t, out, "[diffusion]")
	assert.Contains(t, out, `rule = "ddim"`)

	out, err = run(t, "config", "--example")
	require.NoError(t, err)
	assert.Equal(t, envconfig.GenerateExampleConfig(), out)

	bad := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[coding]\nkld = 2\n"), 0o644))
	t.Setenv("VOXELNN_CONFIG", bad)
	envconfig.ReloadConfig()

	_, err = run(t, "config")
	require.ErrorContains(t, err, "unknown keys: coding.kld")

	// the example still prints so the file can be fixed
	_, err = run(t, "config", "--example")
	require.NoError(t, err)
}

func TestEnvCmd(t *testing.T) {
	isolate(t)

	out, err := run(t, "env")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(envconfig.AsMap())+1)
	assert.Equal(t, []string{"VOXELNN_CONFIG"}, strings.Fields(lines[1])[:1])
	assert.Contains(t, out, "VOXELNN_SEED")
}

func TestListEmpty(t *testing.T) {
	isolate(t)

	out, err := run(t, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"NAME", "ID", "DTYPE", "SIZE", "CREATED"}, strings.Fields(out))
}
