package envconfig

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

type DiffusionConfig struct {
	MinSignalRate float64 `toml:"min_signal_rate"`
	MaxSignalRate float64 `toml:"max_signal_rate"`
	EMA           float64 `toml:"ema"`
	Steps         int     `toml:"steps"`
	Rule          string  `toml:"rule"`
	Conditioning  string  `toml:"conditioning"`
	EmbeddingDims int     `toml:"embedding_dims"`
	Loss          string  `toml:"loss"`
}

type CodingConfig struct {
	KLDWeight            float64 `toml:"kld_weight"`
	StrWeight            float64 `toml:"str_weight"`
	ReconstructionWeight float64 `toml:"reconstruction_weight"`
	KernelSize           int     `toml:"kernel_size"`
	SamplingStdDev       float64 `toml:"sampling_stddev"`
}

type TrainConfig struct {
	LearningRate float64 `toml:"learning_rate"`
	Momentum     float64 `toml:"momentum"`
	Epochs       int     `toml:"epochs"`
	BatchSize    int     `toml:"batch_size"`
	Seed         *int64  `toml:"seed,omitempty"`
}

// Config represents the TOML configuration structure
type Config struct {
	Paths struct {
		Models string `toml:"models,omitempty"`
		DType  string `toml:"dtype,omitempty"`
	} `toml:"paths"`

	Logging struct {
		Debug bool   `toml:"debug"`
		Level string `toml:"level,omitempty"`
	} `toml:"logging"`

	Diffusion DiffusionConfig `toml:"diffusion"`
	Coding    CodingConfig    `toml:"coding"`
	Train     TrainConfig     `toml:"train"`
}

// DefaultConfig returns the hyperparameters used when no file sets them.
func DefaultConfig() Config {
	var c Config
	c.Diffusion = DiffusionConfig{
		MinSignalRate: 0.02,
		MaxSignalRate: 0.95,
		EMA:           0.999,
		Steps:         20,
		Rule:          "ddim",
		Conditioning:  "power",
		Loss:          "mae",
	}
	c.Coding = CodingConfig{
		KLDWeight:            1,
		StrWeight:            1,
		ReconstructionWeight: 1,
		KernelSize:           3,
		SamplingStdDev:       0.1,
	}
	c.Train = TrainConfig{
		LearningRate: 1e-3,
		Momentum:     0.9,
		Epochs:       10,
		BatchSize:    16,
	}
	return c
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
	configErr  error
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string
	if p := clean("VOXELNN_CONFIG"); p != "" {
		return append(paths, p)
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "voxelnn", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "voxelnn", "config.toml"))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "voxelnn", "config.toml"),
			filepath.Join(home, ".voxelnn", "config.toml"),
		)
	}

	return paths
}

// ReadConfig decodes the TOML file at path over the defaults. Unknown keys
// are an error.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return &cfg, nil
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := ReadConfig(path)
			if err != nil {
				return nil, "", err
			}
			return cfg, path, nil
		}
	}
	return nil, "", nil
}

func fileConfig() *Config {
	configOnce.Do(func() {
		config, configPath, configErr = loadConfig()
		if configErr != nil {
			slog.Warn("failed to load config file", "error", configErr)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})
	return config
}

// ReloadConfig forgets the loaded configuration file and reads the
// environment again.
func ReloadConfig() {
	configOnce = sync.Once{}
	config, configPath, configErr = nil, "", nil
	LoadConfig()
}

// File returns the loaded configuration file, or the defaults when there is
// none.
func File() Config {
	if cfg := fileConfig(); cfg != nil {
		return *cfg
	}
	return DefaultConfig()
}

// FilePath returns the path of the loaded configuration file, if any.
func FilePath() string {
	fileConfig()
	return configPath
}

// FileError returns why the configuration file could not be loaded. The
// defaults stand in for a file that fails.
func FileError() error {
	fileConfig()
	return configErr
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	config := fileConfig()
	if config == nil {
		return ""
	}

	// Map environment variables to config values
	switch key {
	case "VOXELNN_MODELS":
		return config.Paths.Models
	case "VOXELNN_DTYPE":
		return config.Paths.DType
	case "VOXELNN_DEBUG":
		if config.Logging.Debug {
			return "true"
		}
	case "VOXELNN_LOG_LEVEL":
		return config.Logging.Level
	case "VOXELNN_SEED":
		if config.Train.Seed != nil {
			return strconv.FormatInt(*config.Train.Seed, 10)
		}
	}

	return ""
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# voxelnn configuration file
# Values from the environment take precedence over this file.

[paths]
# Checkpoints directory (default: ~/.voxelnn/models)
models = "/path/to/models"
# Weight type of saved checkpoints: "f32", "f16" or "bf16" (default: "f32")
dtype = "f32"

[logging]
# Enable debug logging (default: false)
debug = false
# Log level: "trace", "debug", "info", "warn" or "error" (default: "info")
level = "info"

[diffusion]
min_signal_rate = 0.02
max_signal_rate = 0.95
# EMA decay of the shadow weights used for generation
ema = 0.999
steps = 20
# Update rule: "ddim", "ddim-norm", "ddpm", "sign-flip" or "sign-flip-no-divide"
rule = "ddim"
# Denoiser conditioning: "power" (noise rate squared) or "rate"
conditioning = "power"
# Sinusoidal embedding size of the conditioning, 0 to feed it directly
embedding_dims = 0
# Training loss: "mae", "mse" or "euclidean" (per voxel distance across channels)
loss = "mae"

[coding]
# Loss weights and kernel of "voxelnn coding eval" and "voxelnn kernel"
kld_weight = 1.0
str_weight = 1.0
reconstruction_weight = 1.0
kernel_size = 3
sampling_stddev = 0.1

[train]
learning_rate = 0.001
momentum = 0.9
epochs = 10
batch_size = 16
# Random seed, negative for a time based seed
# seed = 42
`
}
