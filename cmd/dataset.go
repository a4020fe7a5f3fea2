package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxelnn/voxelnn/dataset"
	"github.com/voxelnn/voxelnn/dataset/terrain"
	"github.com/voxelnn/voxelnn/envconfig"
	"github.com/voxelnn/voxelnn/format"
	"github.com/voxelnn/voxelnn/progress"
)

func NewDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Inspect and convert voxel datasets",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Show the vocabularies and entries of a dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE:  datasetInspectHandler,
	}

	cooccurrenceCmd := &cobra.Command{
		Use:   "cooccurrence FILE...",
		Short: "Count how often every pair of tags appears together",
		Args:  cobra.MinimumNArgs(1),
		RunE:  datasetCooccurrenceHandler,
	}

	exportCmd := &cobra.Command{
		Use:   "export FILE...",
		Short: "Merge dataset files into one file over shared vocabularies",
		Args:  cobra.MinimumNArgs(1),
		RunE:  datasetExportHandler,
	}
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	exportCmd.Flags().String("format", "", "Output format, json or cbor (default from the output extension)")

	generateCmd := &cobra.Command{
		Use:   "generate GENERATOR",
		Short: "Generate a synthetic dataset (terrain or empty)",
		Args:  cobra.ExactArgs(1),
		RunE:  datasetGenerateHandler,
	}
	generateCmd.Flags().Int("n", 1, "Number of entries to generate")
	generateCmd.Flags().IntSlice("size", nil, "Entry size, 2 values for terrain (default 64,64) and 3 for empty")
	generateCmd.Flags().Int64("seed", envconfig.Seed, "Random seed, negative for a time based seed")
	generateCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	generateCmd.Flags().String("format", "", "Output format, json or cbor (default from the output extension)")

	cmd.AddCommand(inspectCmd, cooccurrenceCmd, exportCmd, generateCmd)
	return cmd
}

func loadDataset(cmd *cobra.Command, paths []string) (*dataset.Dataset, error) {
	p := progress.NewProgress(cmd.ErrOrStderr())
	defer p.StopAndClear()

	spinner := progress.NewSpinner(fmt.Sprintf("loading %d dataset files", len(paths)))
	p.Add(spinner)

	return dataset.Load(cmd.Context(), paths...)
}

func datasetInspectHandler(cmd *cobra.Command, args []string) error {
	ds, err := loadDataset(cmd, args)
	if err != nil {
		return err
	}

	voxels := 1
	for _, d := range ds.Dimensions {
		voxels *= d
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "entries     %d\n", ds.Len())
	fmt.Fprintf(w, "dimensions  %v (%s voxels)\n", ds.Dimensions, format.HumanNumber(uint64(voxels)))
	fmt.Fprintf(w, "tags        %d %s\n", len(ds.TagNames), strings.Join(ds.TagNames, ", "))
	fmt.Fprintf(w, "blocks      %d %s\n", len(ds.BlockNames), strings.Join(ds.BlockNames, ", "))
	fmt.Fprintln(w)

	table := newTable(cmd, "NAME", "TAGS")
	for i := range ds.Len() {
		e, err := ds.Entry(i)
		if err != nil {
			return err
		}
		table.Append([]string{e.FriendlyName, strings.Join(e.Tags, ", ")})
	}
	table.Render()
	return nil
}

func datasetCooccurrenceHandler(cmd *cobra.Command, args []string) error {
	ds, err := loadDataset(cmd, args)
	if err != nil {
		return err
	}

	if len(ds.TagNames) == 0 {
		return fmt.Errorf("dataset has no tags")
	}

	m, labels := dataset.Cooccurrence(ds.Tags, ds.TagNames)

	table := newTable(cmd, append([]string{""}, labels...)...)
	for i, label := range labels {
		row := []string{label}
		for j := range labels {
			row = append(row, strconv.FormatFloat(m.At(i, j), 'f', -1, 64))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func datasetExportHandler(cmd *cobra.Command, args []string) error {
	ds, err := loadDataset(cmd, args)
	if err != nil {
		return err
	}

	entries, err := ds.Entries()
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	f, err := outputFormat(cmd, output)
	if err != nil {
		return err
	}

	return writeEntries(cmd, output, entries, f)
}

func datasetGenerateHandler(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("n")
	size, _ := cmd.Flags().GetIntSlice("size")
	seed, _ := cmd.Flags().GetInt64("seed")
	output, _ := cmd.Flags().GetString("output")

	if n < 1 {
		return fmt.Errorf("number of entries must be positive, got %d", n)
	}

	f, err := outputFormat(cmd, output)
	if err != nil {
		return err
	}

	g, err := terrain.New(args[0], size)
	if err != nil {
		return err
	}

	p := progress.NewProgress(cmd.ErrOrStderr())
	spinner := progress.NewSpinner(fmt.Sprintf("generating %d %s entries", n, g.Name()))
	p.Add(spinner)

	entries, err := terrain.Generate(cmd.Context(), g, n, seed)
	p.StopAndClear()
	if err != nil {
		return err
	}

	return writeEntries(cmd, output, entries, f)
}

// outputFormat is the --format flag, or else the format the output path
// implies.
func outputFormat(cmd *cobra.Command, output string) (dataset.Format, error) {
	if name, _ := cmd.Flags().GetString("format"); name != "" {
		return dataset.ParseFormat(name)
	}
	return dataset.FormatOf(output), nil
}

// writeEntries writes to path, or to the command's output when path is empty.
func writeEntries(cmd *cobra.Command, path string, entries []dataset.Entry, f dataset.Format) error {
	if path == "" {
		return dataset.WriteFormat(cmd.OutOrStdout(), entries, f)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := dataset.WriteFormat(file, entries, f); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}
