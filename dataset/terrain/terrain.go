// Package terrain generates synthetic voxel datasets.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/voxelnn/voxelnn/dataset"
)

var ErrInvalidSize = errors.New("terrain: invalid size")

// Block ids shared by every generator, indices into BlockNames.
const (
	Empty = iota
	Stone
	Soil
	Grass
	Sand
	Water
	WoodDark
	WoodLight
	Leaves
)

var BlockNames = []string{"empty", "stone", "soil", "grass", "sand", "water", "wood-dark", "wood-light", "leaves"}

// A Generator builds one entry from the random stream it is given.
type Generator interface {
	Name() string
	Generate(r *rand.Rand) dataset.Entry
}

// EmptyTerrain is a 3D grid of empty blocks.
type EmptyTerrain struct {
	Size [3]int
}

func (EmptyTerrain) Name() string { return "empty" }

func (g EmptyTerrain) Generate(*rand.Rand) dataset.Entry {
	return dataset.Entry{
		FriendlyName: "EmptyTerrain",
		Tags:         []string{"empty-terrain"},
		Dimensions:   g.Size[:],
		BlockNames:   []string{BlockNames[Empty]},
		Blocks:       make([]int, g.Size[0]*g.Size[1]*g.Size[2]),
	}
}

// New returns the generator called name for an entry of the given size. The
// 2D terrain generator defaults to 64x64.
func New(name string, size []int) (Generator, error) {
	switch name {
	case "terrain":
		if len(size) == 0 {
			size = []int{64, 64}
		}
		if len(size) != 2 {
			return nil, fmt.Errorf("%w: terrain is 2D, got %v", ErrInvalidSize, size)
		}
		if err := validSize(size); err != nil {
			return nil, err
		}
		return Terrain2D{Width: size[0], Height: size[1]}, nil
	case "empty":
		if len(size) != 3 {
			return nil, fmt.Errorf("%w: empty terrain is 3D, got %v", ErrInvalidSize, size)
		}
		if err := validSize(size); err != nil {
			return nil, err
		}
		return EmptyTerrain{Size: [3]int{size[0], size[1], size[2]}}, nil
	default:
		return nil, fmt.Errorf("terrain: unknown generator %q, want terrain or empty", name)
	}
}

func validSize(size []int) error {
	for _, s := range size {
		if s < 1 {
			return fmt.Errorf("%w: %v, no dimension should be less than 1", ErrInvalidSize, size)
		}
	}
	return nil
}

// Generate builds n entries concurrently. Entry i draws from a stream seeded
// with seed+i, so the output does not depend on scheduling. A negative seed
// picks a time based one.
func Generate(ctx context.Context, g Generator, n int, seed int64) ([]dataset.Entry, error) {
	if seed < 0 {
		seed = time.Now().UnixNano()
	}

	entries := make([]dataset.Entry, n)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range entries {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			entries[i] = g.Generate(rand.New(rand.NewSource(uint64(seed) + uint64(i))))
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("generated entries", "generator", g.Name(), "entries", n, "seed", seed)
	return entries, nil
}
