package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidEntry = errors.New("dataset: invalid entry")

// Entry is one voxel structure as exchanged with the editor tools. Blocks is
// the row-major voxel grid of indices into BlockNames.
type Entry struct {
	FriendlyName string   `json:"FriendlyName"`
	Tags         []string `json:"Tags"`
	Dimensions   []int    `json:"Dimensions"`
	BlockNames   []string `json:"BlockNames"`
	Blocks       []int    `json:"Blocks"`
}

// Collection is the named wrapper some tools write instead of a bare array.
type Collection struct {
	Name    string  `json:"Name,omitempty"`
	Entries []Entry `json:"Entries"`
}

// Validate checks that e is a 2D or 3D grid whose block indices all name a
// block.
func Validate(e Entry) error {
	if n := len(e.Dimensions); n < 2 || n > 3 {
		return fmt.Errorf("%w: %q has %d dimensions, want 2 or 3", ErrInvalidEntry, e.FriendlyName, n)
	}

	total := 1
	for _, d := range e.Dimensions {
		if d < 1 {
			return fmt.Errorf("%w: %q has dimensions %v", ErrInvalidEntry, e.FriendlyName, e.Dimensions)
		}
		total *= d
	}

	if total != len(e.Blocks) {
		return fmt.Errorf("%w: %q has %d blocks, dimensions %v imply %d", ErrInvalidEntry, e.FriendlyName, len(e.Blocks), e.Dimensions, total)
	}

	for i, b := range e.Blocks {
		if b < 0 || b >= len(e.BlockNames) {
			return fmt.Errorf("%w: %q block %d has id %d, only %d block names", ErrInvalidEntry, e.FriendlyName, i, b, len(e.BlockNames))
		}
	}

	return nil
}

// Read decodes the entries of one file, either a JSON array of entries or a
// Collection.
func Read(r io.Reader) ([]Entry, error) {
	bts, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	bts = bytes.TrimSpace(bts)
	if len(bts) > 0 && bts[0] == '{' {
		var c Collection
		if err := json.Unmarshal(bts, &c); err != nil {
			return nil, err
		}
		return c.Entries, nil
	}

	var entries []Entry
	if err := json.Unmarshal(bts, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Write encodes entries as an indented JSON array.
func Write(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// Format is the encoding of a dataset file.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("dataset: unknown format %q", s)
	}
}

// FormatOf picks the format from a file extension. Anything but .cbor is JSON.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return FormatCBOR
	}
	return FormatJSON
}

// ReadCBOR decodes a CBOR array of entries.
func ReadCBOR(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := cbor.NewDecoder(r).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// WriteCBOR encodes entries as a CBOR array.
func WriteCBOR(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return cbor.NewEncoder(w).Encode(entries)
}

// ReadFormat decodes entries encoded as f.
func ReadFormat(r io.Reader, f Format) ([]Entry, error) {
	if f == FormatCBOR {
		return ReadCBOR(r)
	}
	return Read(r)
}

// WriteFormat encodes entries as f.
func WriteFormat(w io.Writer, entries []Entry, f Format) error {
	if f == FormatCBOR {
		return WriteCBOR(w, entries)
	}
	return Write(w, entries)
}
