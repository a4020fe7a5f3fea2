package envconfig

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelnn/voxelnn/logutil"
)

// isolate points every config lookup at an empty home directory.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("APPDATA", "")
	for k := range AsMap() {
		t.Setenv(k, "")
	}
	t.Cleanup(ReloadConfig)
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestConfig(t *testing.T) {
	isolate(t)

	ReloadConfig()
	require.False(t, Debug)
	assert.Equal(t, int64(-1), Seed)

	t.Setenv("VOXELNN_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)

	t.Setenv("VOXELNN_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)

	t.Setenv("VOXELNN_DEBUG", "yes please")
	LoadConfig()
	require.True(t, Debug)

	t.Setenv("VOXELNN_SEED", " 42 ")
	LoadConfig()
	assert.Equal(t, int64(42), Seed)

	t.Setenv("VOXELNN_SEED", "many")
	LoadConfig()
	assert.Equal(t, int64(-1), Seed)

	t.Setenv("VOXELNN_DTYPE", "'bf16'")
	LoadConfig()
	assert.Equal(t, "bf16", DType())
}

func TestModels(t *testing.T) {
	home := isolate(t)

	ReloadConfig()
	assert.Equal(t, filepath.Join(home, ".voxelnn", "models"), Models())

	t.Setenv("VOXELNN_MODELS", "/data/models")
	LoadConfig()
	assert.Equal(t, "/data/models", Models())
}

func TestLogLevel(t *testing.T) {
	isolate(t)

	cases := []struct {
		debug, level string
		want         slog.Level
	}{
		{"", "", slog.LevelInfo},
		{"1", "", slog.LevelDebug},
		{"1", "trace", logutil.LevelTrace},
		{"", "warn", slog.LevelWarn},
		{"1", "error", slog.LevelDebug},
		{"", "shouting", slog.LevelInfo},
	}

	for _, tt := range cases {
		t.Setenv("VOXELNN_DEBUG", tt.debug)
		t.Setenv("VOXELNN_LOG_LEVEL", tt.level)
		ReloadConfig()
		assert.Equal(t, tt.want, LogLevel(), "debug=%q level=%q", tt.debug, tt.level)
	}
}

func TestValues(t *testing.T) {
	isolate(t)
	t.Setenv("VOXELNN_SEED", "7")
	ReloadConfig()

	vals := Values()
	assert.Len(t, vals, len(AsMap()))
	assert.Equal(t, "7", vals["VOXELNN_SEED"])
	assert.Equal(t, "false", vals["VOXELNN_DEBUG"])
}

func TestFileConfig(t *testing.T) {
	isolate(t)
	t.Setenv("VOXELNN_CONFIG", writeConfig(t, `
[paths]
models = "/from/file"
dtype = "f16"

[logging]
debug = true

[diffusion]
steps = 50
rule = "ddpm"

[train]
seed = 9
`))
	ReloadConfig()

	assert.Equal(t, "/from/file", Models())
	assert.Equal(t, "f16", DType())
	assert.True(t, Debug)
	assert.Equal(t, int64(9), Seed)

	cfg := File()
	assert.Equal(t, 50, cfg.Diffusion.Steps)
	assert.Equal(t, "ddpm", cfg.Diffusion.Rule)
	// unset keys keep their defaults
	assert.Equal(t, 0.95, cfg.Diffusion.MaxSignalRate)
	assert.Equal(t, 3, cfg.Coding.KernelSize)
	assert.NotEmpty(t, FilePath())

	// the environment wins over the file
	t.Setenv("VOXELNN_MODELS", "/from/env")
	LoadConfig()
	assert.Equal(t, "/from/env", Models())
}

func TestFileConfigUnknownKey(t *testing.T) {
	isolate(t)
	p := writeConfig(t, "[diffusion]\nstep = 5\n")

	_, err := ReadConfig(p)
	require.ErrorContains(t, err, "diffusion.step")

	t.Setenv("VOXELNN_CONFIG", p)
	ReloadConfig()
	assert.Equal(t, DefaultConfig(), File())
	require.ErrorContains(t, FileError(), "unknown keys")
	assert.Empty(t, FilePath())

	t.Setenv("VOXELNN_CONFIG", writeConfig(t, "[diffusion]\nsteps = 5\n"))
	ReloadConfig()
	require.NoError(t, FileError())
	assert.Equal(t, 5, File().Diffusion.Steps)
}

func TestNoFileConfig(t *testing.T) {
	isolate(t)
	ReloadConfig()
	assert.Equal(t, DefaultConfig(), File())
	assert.Empty(t, FilePath())
	require.NoError(t, FileError())
}

func TestExampleConfig(t *testing.T) {
	var cfg Config
	md, err := toml.Decode(GenerateExampleConfig(), &cfg)
	require.NoError(t, err)
	assert.Empty(t, md.Undecoded())
	assert.Equal(t, DefaultConfig().Diffusion, cfg.Diffusion)
	assert.Equal(t, DefaultConfig().Coding, cfg.Coding)

	var b bytes.Buffer
	require.NoError(t, DefaultConfig().Encode(&b))

	var decoded Config
	_, err = toml.Decode(b.String(), &decoded)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), decoded)
}
