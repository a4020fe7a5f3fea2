package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/voxelnn/voxelnn/logutil"
)

var (
	// Set via VOXELNN_DEBUG in the environment
	Debug bool
	// Set via VOXELNN_LOG_LEVEL in the environment
	Level string
	// Set via VOXELNN_MODELS in the environment
	ModelsDir string
	// Set via VOXELNN_DTYPE in the environment
	WeightType string
	// Set via VOXELNN_SEED in the environment
	Seed int64
	// Set via VOXELNN_CONFIG in the environment
	ConfigFile string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VOXELNN_DEBUG":     {"VOXELNN_DEBUG", Debug, "Show additional debug information (e.g. VOXELNN_DEBUG=1)"},
		"VOXELNN_LOG_LEVEL": {"VOXELNN_LOG_LEVEL", Level, "Log level: trace, debug, info, warn or error (default info)"},
		"VOXELNN_MODELS":    {"VOXELNN_MODELS", ModelsDir, "The path to the checkpoints directory"},
		"VOXELNN_DTYPE":     {"VOXELNN_DTYPE", WeightType, "Weight type of saved checkpoints: f32, f16 or bf16 (default f32)"},
		"VOXELNN_SEED":      {"VOXELNN_SEED", Seed, "Random seed, negative for a time based seed (default -1)"},
		"VOXELNN_CONFIG":    {"VOXELNN_CONFIG", ConfigFile, "Path to a TOML configuration file"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment and falls back to the configuration file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := lookup("VOXELNN_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Level = lookup("VOXELNN_LOG_LEVEL")
	ModelsDir = lookup("VOXELNN_MODELS")
	WeightType = lookup("VOXELNN_DTYPE")
	ConfigFile = clean("VOXELNN_CONFIG")

	Seed = -1
	if seed := lookup("VOXELNN_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VOXELNN_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}
}

// Models returns the checkpoints directory, ~/.voxelnn/models unless
// VOXELNN_MODELS is set.
func Models() string {
	if ModelsDir != "" {
		return ModelsDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("failed to lookup home directory", "error", err)
		return filepath.Join(".voxelnn", "models")
	}
	return filepath.Join(home, ".voxelnn", "models")
}

// DType returns the configured checkpoint weight type.
func DType() string {
	return WeightType
}

// LogLevel resolves VOXELNN_LOG_LEVEL, raised to at least debug when
// VOXELNN_DEBUG is set.
func LogLevel() slog.Level {
	level, err := logutil.ParseLevel(Level)
	if err != nil {
		slog.Warn("invalid setting, using info", "VOXELNN_LOG_LEVEL", Level, "error", err)
	}

	if Debug && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	return level
}
