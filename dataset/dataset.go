package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/sets/treeset"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrEmpty = errors.New("dataset: no entries")

// DimensionsError reports entries that disagree on their grid dimensions.
type DimensionsError struct {
	Dimensions [][]int
}

func (e *DimensionsError) Error() string {
	parts := make([]string, len(e.Dimensions))
	for i, d := range e.Dimensions {
		parts[i] = fmt.Sprint(d)
	}
	return "dataset: variable dimensions detected: " + strings.Join(parts, ", ")
}

// Dataset is a set of entries over shared tag and block vocabularies.
type Dataset struct {
	// TagNames and BlockNames are sorted and unique.
	TagNames   []string
	BlockNames []string
	EntryNames []string

	// Dimensions is the grid shape shared by every entry.
	Dimensions []int

	// Tags is the [entries, tags] multi-label matrix of 0/1 markers. It is
	// empty when no entry has a tag.
	Tags *mat.Dense

	// Blocks is the [entries, dimensions...] int tensor of global block
	// indices.
	Blocks *tensor.Dense
}

// Load reads every file concurrently and merges their entries, in path
// order, into one Dataset.
func Load(ctx context.Context, paths ...string) (*Dataset, error) {
	files := make([][]Entry, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := ReadFormat(f, FormatOf(path))
			if err != nil {
				return fmt.Errorf("dataset: %s: %w", path, err)
			}

			for j, e := range entries {
				if err := Validate(e); err != nil {
					return fmt.Errorf("%s: entry %d: %w", path, j, err)
				}
			}

			slog.Debug("read dataset file", "path", path, "entries", len(entries))
			files[i] = entries
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []Entry
	for _, f := range files {
		entries = append(entries, f...)
	}

	return FromEntries(entries)
}

// FromEntries builds a Dataset from validated entries, remapping every
// entry's local block indices to the global block vocabulary.
func FromEntries(entries []Entry) (*Dataset, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}

	tagSet := treeset.New[string]()
	blockSet := treeset.New[string]()
	dimSet := treeset.New[string]()
	dims := make(map[string][]int)
	for _, e := range entries {
		tagSet.Add(e.Tags...)
		blockSet.Add(e.BlockNames...)

		key := fmt.Sprint(e.Dimensions)
		dimSet.Add(key)
		dims[key] = e.Dimensions
	}

	if dimSet.Size() != 1 {
		var derr DimensionsError
		for _, key := range dimSet.Values() {
			derr.Dimensions = append(derr.Dimensions, slices.Clone(dims[key]))
		}
		return nil, &derr
	}

	d := Dataset{
		TagNames:   tagSet.Values(),
		BlockNames: blockSet.Values(),
		EntryNames: make([]string, len(entries)),
		Dimensions: slices.Clone(entries[0].Dimensions),
		Tags:       &mat.Dense{},
	}

	tagIndex := index(d.TagNames)
	blockIndex := index(d.BlockNames)

	if len(d.TagNames) > 0 {
		d.Tags = mat.NewDense(len(entries), len(d.TagNames), nil)
	}

	cells := len(entries[0].Blocks)
	blocks := make([]int, 0, len(entries)*cells)
	for i, e := range entries {
		d.EntryNames[i] = e.FriendlyName

		for _, tag := range e.Tags {
			d.Tags.Set(i, tagIndex[tag], 1)
		}

		local := make([]int, len(e.BlockNames))
		for j, name := range e.BlockNames {
			local[j] = blockIndex[name]
		}

		for _, b := range e.Blocks {
			blocks = append(blocks, local[b])
		}
	}

	d.Blocks = tensor.New(tensor.WithShape(append([]int{len(entries)}, d.Dimensions...)...), tensor.WithBacking(blocks))
	return &d, nil
}

func index(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for i, name := range names {
		m[name] = i
	}
	return m
}

func (d *Dataset) Len() int {
	return len(d.EntryNames)
}

// grid returns a copy of entry i's global block indices.
func (d *Dataset) grid(i int) ([]int, error) {
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("dataset: entry %d out of range [0, %d)", i, d.Len())
	}

	view, err := d.Blocks.Slice(tensor.S(i))
	if err != nil {
		return nil, err
	}

	data, ok := tensor.Materialize(view).Data().([]int)
	if !ok {
		return nil, fmt.Errorf("dataset: blocks have type %v, want int", d.Blocks.Dtype())
	}
	return slices.Clone(data), nil
}

// Entry reconstructs entry i in the exchange format, with the global block
// vocabulary.
func (d *Dataset) Entry(i int) (Entry, error) {
	data, err := d.grid(i)
	if err != nil {
		return Entry{}, err
	}

	var row []float64
	if r, _ := d.Tags.Dims(); r > 0 {
		row = d.Tags.RawRowView(i)
	}

	grid := tensor.New(tensor.WithShape(d.Dimensions...), tensor.WithBacking(data))
	return ConstructEntry(d.EntryNames[i], d.TagNames, row, d.BlockNames, grid)
}

// Entries reconstructs every entry.
func (d *Dataset) Entries() ([]Entry, error) {
	entries := make([]Entry, d.Len())
	for i := range entries {
		e, err := d.Entry(i)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// ConstructEntry builds an exchange entry from one row of a multi-label tag
// matrix and a 2D or 3D grid of block indices.
func ConstructEntry(name string, tagNames []string, tagRow []float64, blockNames []string, blocks *tensor.Dense) (Entry, error) {
	if len(tagRow) != len(tagNames) {
		return Entry{}, fmt.Errorf("%w: %d tag markers for %d tags", ml.ErrShapeMismatch, len(tagRow), len(tagNames))
	}

	data, ok := tensor.Materialize(blocks).Data().([]int)
	if !ok {
		return Entry{}, fmt.Errorf("dataset: blocks have type %v, want int", blocks.Dtype())
	}

	e := Entry{
		FriendlyName: name,
		Tags:         []string{},
		Dimensions:   slices.Clone([]int(blocks.Shape())),
		BlockNames:   slices.Clone(blockNames),
		Blocks:       slices.Clone(data),
	}

	for j, v := range tagRow {
		if v == 1 {
			e.Tags = append(e.Tags, tagNames[j])
		}
	}

	if err := Validate(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Voxels returns entry i's block indices as a [dimensions..., 1] tensor.
func (d *Dataset) Voxels(i int) (*ml.Tensor, error) {
	data, err := d.grid(i)
	if err != nil {
		return nil, err
	}

	out := ml.Zeros(append(slices.Clone(d.Dimensions), 1)...)
	for j, b := range data {
		out.Floats()[j] = float64(b)
	}
	return out, nil
}

// VoxelBatch returns every entry's block indices as one
// [entries, dimensions..., 1] tensor.
func (d *Dataset) VoxelBatch() (*ml.Tensor, error) {
	samples := make([]*ml.Tensor, d.Len())
	for i := range samples {
		v, err := d.Voxels(i)
		if err != nil {
			return nil, err
		}
		samples[i] = v
	}
	return ml.Stack(samples...)
}

// Cooccurrence counts, for every pair of labels, the entries carrying both.
// The labels are names followed by a "NOT <name>" negative for each.
func Cooccurrence(tags mat.Matrix, names []string) (*mat.Dense, []string) {
	labels := slices.Clone(names)
	for _, name := range names {
		labels = append(labels, "NOT "+name)
	}

	rows, cols := tags.Dims()
	if rows == 0 || cols == 0 {
		return &mat.Dense{}, labels
	}

	augmented := mat.NewDense(rows, 2*cols, nil)
	for i := range rows {
		for j := range cols {
			v := tags.At(i, j)
			augmented.Set(i, j, v)
			augmented.Set(i, cols+j, 1-v)
		}
	}

	var m mat.Dense
	m.Mul(augmented.T(), augmented)
	return &m, labels
}
