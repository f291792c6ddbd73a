package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pdiddy/clinical-extract/internal/output"
	"github.com/pdiddy/clinical-extract/internal/visualize"
)

var visualizeCmd = &cobra.Command{
	Use:   "visualize <results.jsonl>",
	Short: "Render an HTML visualization from saved extraction results",
	Long: `Visualize reads an extraction_results.jsonl file written by a previous
run and renders it as a standalone HTML page. By default the page is written
as visualization.html next to the input file.`,
	Args: cobra.ExactArgs(1),
	RunE: runVisualize,
}

func runVisualize(cmd *cobra.Command, args []string) error {
	in := args[0]
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = filepath.Join(filepath.Dir(in), output.VisualizationFile)
	}
	title, _ := cmd.Flags().GetString("title")
	speed, _ := cmd.Flags().GetFloat64("speed")
	noLegend, _ := cmd.Flags().GetBool("no-legend")

	if title == "" {
		title = "Extraction results: " + filepath.Base(filepath.Dir(in))
	}
	opts := visualize.Options{Title: title, Speed: speed, ShowLegend: !noLegend}
	if err := visualize.RenderFile(in, out, opts); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Visualization written to %s\n", out)
	return nil
}

func init() {
	visualizeCmd.Flags().StringP("output", "o", "", "output HTML file (default: visualization.html next to the input)")
	visualizeCmd.Flags().String("title", "", "page title")
	visualizeCmd.Flags().Float64("speed", visualize.DefaultSpeed, "player step interval in seconds")
	visualizeCmd.Flags().Bool("no-legend", false, "omit the class legend")

	rootCmd.AddCommand(visualizeCmd)
}
