package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/ml"
)

const (
	configFile  = "config.json"
	weightsFile = "weights.safetensors"
)

var (
	ErrNotFound    = errors.New("store: checkpoint not found")
	ErrInvalidName = errors.New("store: invalid checkpoint name")
)

// Config locates checkpoints on disk. It is passed explicitly; there is no
// process-wide model path.
type Config struct {
	Root  string
	DType DType
}

// DefaultConfig reads the root directory and weight type from the
// environment.
func DefaultConfig() (Config, error) {
	dtype, err := ParseDType(envconfig.DType())
	if err != nil {
		return Config{}, err
	}
	return Config{Root: envconfig.Models(), DType: dtype}, nil
}

// KernelConfig records how a structurization kernel was built.
type KernelConfig struct {
	Size       int  `json:"size"`
	RealDims   int  `json:"real_dims"`
	LatentDims int  `json:"latent_dims"`
	OneOnZero  bool `json:"one_on_zero,omitempty"`
}

// EmbeddingConfig records the time embedding of the noise conditioning.
type EmbeddingConfig struct {
	Dims         int     `json:"dims"`
	MinFrequency float64 `json:"min_frequency"`
	MaxFrequency float64 `json:"max_frequency"`
}

// ModelConfig holds everything needed to rebuild a model around its weights.
type ModelConfig struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	DType   DType     `json:"dtype"`

	MinSignalRate float64 `json:"min_signal_rate"`
	MaxSignalRate float64 `json:"max_signal_rate"`
	EMA           float64 `json:"ema"`
	Rule          string  `json:"rule"`
	Conditioning  string  `json:"conditioning"`

	DataShape []int `json:"data_shape"`

	NormalizerMean     []float64 `json:"normalizer_mean,omitempty"`
	NormalizerVariance []float64 `json:"normalizer_variance,omitempty"`

	BlockNames []string `json:"block_names,omitempty"`

	Embedding *EmbeddingConfig `json:"embedding,omitempty"`

	Kernel *KernelConfig `json:"kernel,omitempty"`
}

type Checkpoint struct {
	Config  ModelConfig
	Tensors map[string]*ml.Tensor
}

// Summary describes a stored checkpoint without loading its weights.
type Summary struct {
	Name    string
	ID      string
	Created time.Time
	DType   DType
	Size    int64
}

func (c Config) dir(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(c.Root, name), nil
}

// Save writes ckpt under name, replacing any previous checkpoint of that
// name, and returns the id assigned to it. Both files are written to a hidden
// staging directory first, so a failed save leaves the previous checkpoint
// untouched.
func (c Config) Save(name string, ckpt *Checkpoint) (string, error) {
	dir, err := c.dir(name)
	if err != nil {
		return "", err
	}

	dtype := c.DType
	if dtype == "" {
		dtype = DTypeF32
	}

	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return "", err
	}

	staging, err := os.MkdirTemp(c.Root, "."+name+"-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	cfg := ckpt.Config
	cfg.ID = uuid.NewString()
	cfg.Created = time.Now().UTC()
	cfg.DType = dtype

	if err := writeFile(filepath.Join(staging, weightsFile), func(f *os.File) error {
		return WriteSafetensors(f, ckpt.Tensors, dtype)
	}); err != nil {
		return "", err
	}

	if err := writeFile(filepath.Join(staging, configFile), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}); err != nil {
		return "", err
	}

	if err := replaceDir(staging, dir); err != nil {
		return "", err
	}

	slog.Info("saved checkpoint", "name", name, "id", cfg.ID, "dtype", dtype, "tensors", len(ckpt.Tensors))
	return cfg.ID, nil
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := fn(f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// replaceDir moves src to dst. An existing dst is moved aside first and
// restored if the move fails.
func replaceDir(src, dst string) error {
	var backup string
	if _, err := os.Stat(dst); err == nil {
		backup = src + ".old"
		if err := os.Rename(dst, backup); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(src, dst); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, dst); rerr != nil {
				slog.Warn("could not restore checkpoint", "path", dst, "error", rerr)
			}
		}
		return err
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			slog.Warn("could not remove replaced checkpoint", "path", backup, "error", err)
		}
	}
	return nil
}

func (c Config) readConfig(dir string) (ModelConfig, error) {
	var cfg ModelConfig
	bts, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(bts, &cfg); err != nil {
		return cfg, fmt.Errorf("store: %s: %w", dir, err)
	}
	return cfg, nil
}

// Load reads the checkpoint saved under name.
func (c Config) Load(name string) (*Checkpoint, error) {
	dir, err := c.dir(name)
	if err != nil {
		return nil, err
	}

	cfg, err := c.readConfig(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tensors, err := ReadSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", name, err)
	}

	slog.Debug("loaded checkpoint", "name", name, "id", cfg.ID, "tensors", len(tensors))
	return &Checkpoint{Config: cfg, Tensors: tensors}, nil
}

// List returns the checkpoints under the root, sorted by name. A missing root
// holds no checkpoints.
func (c Config) List() ([]Summary, error) {
	entries, err := os.ReadDir(c.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var summaries []Summary
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		dir := filepath.Join(c.Root, e.Name())
		cfg, err := c.readConfig(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			slog.Warn("skipping unreadable checkpoint", "path", dir, "error", err)
			continue
		}

		s := Summary{Name: e.Name(), ID: cfg.ID, Created: cfg.Created, DType: cfg.DType}
		if fi, err := os.Stat(filepath.Join(dir, weightsFile)); err == nil {
			s.Size = fi.Size()
		}
		summaries = append(summaries, s)
	}

	slices.SortFunc(summaries, func(a, b Summary) int {
		return strings.Compare(a.Name, b.Name)
	})
	return summaries, nil
}
