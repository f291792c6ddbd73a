package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/clinical-extract/internal/catalog"
	"github.com/pdiddy/clinical-extract/internal/config"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs or search their extractions",
	Long: `History reads the run catalog (catalog.db in the output directory).
Without filters it lists the most recent runs and the extraction count per
class. With --run, --class or --text it lists matching extractions instead.`,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	outputDir, _ := cmd.Flags().GetString("output-dir")
	if outputDir == "" {
		outputDir = viper.GetString(config.KeyOutputDir)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	runID, _ := cmd.Flags().GetString("run")
	class, _ := cmd.Flags().GetString("class")
	text, _ := cmd.Flags().GetString("text")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := catalog.Open(outputDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if runID != "" || class != "" || text != "" {
		hits, err := store.Extractions(ctx, catalog.QueryOptions{RunID: runID, Class: class, Text: text, Limit: limit})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, hits)
		}
		writeHits(os.Stdout, hits)
		return nil
	}

	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return err
	}
	counts, err := store.ClassCounts(ctx, "")
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(os.Stdout, map[string]any{"runs": runs, "classes": counts})
	}
	writeRuns(os.Stdout, runs)
	if len(counts) > 0 {
		fmt.Fprintln(os.Stdout)
		writeClassCounts(os.Stdout, counts)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cell pads or truncates s to width display columns.
func cell(s string, width int) string {
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "...")
	}
	return runewidth.FillRight(s, width)
}

func writeRuns(w io.Writer, runs []catalog.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s  %s\n",
		cell("Run", 19), cell("Started", 19), cell("Model", 20), cell("Status", 9),
		cell("Found", 5), cell("Unaligned", 9), "Tokens")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range runs {
		status := r.Status
		if r.Error != "" {
			status += "*"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s  %d\n",
			cell(r.ID, 19),
			cell(r.StartedAt.Local().Format("2006-01-02 15:04:05"), 19),
			cell(r.Model, 20),
			cell(status, 9),
			cell(fmt.Sprint(r.Extractions), 5),
			cell(fmt.Sprint(r.Unaligned), 9),
			r.Tokens)
	}
	fmt.Fprintf(w, "\n%d runs\n", len(runs))
}

func writeClassCounts(w io.Writer, counts []catalog.ClassCount) {
	width := runewidth.StringWidth("Class")
	for _, c := range counts {
		width = max(width, runewidth.StringWidth(c.Class))
	}
	width = min(width, 30)

	fmt.Fprintf(w, "%s  %s\n", cell("Class", width), "Count")
	fmt.Fprintln(w, strings.Repeat("-", width+7))
	for _, c := range counts {
		fmt.Fprintf(w, "%s  %d\n", cell(c.Class, width), c.Count)
	}
}

func writeHits(w io.Writer, hits []catalog.Hit) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "No extractions found.")
		return
	}

	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		cell("Run", 19), cell("#", 4), cell("Class", 12), cell("Text", 40), "Position")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, h := range hits {
		pos := "unaligned"
		if h.CharInterval != nil {
			pos = fmt.Sprintf("[%d-%d)", h.CharInterval.StartPos, h.CharInterval.EndPos)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			cell(h.RunID, 19),
			cell(fmt.Sprint(h.ExtractionIndex), 4),
			cell(h.Class, 12),
			cell(strings.ReplaceAll(h.Text, "\n", " "), 40),
			pos)
	}
	fmt.Fprintf(w, "\n%d extractions\n", len(hits))
}

func init() {
	historyCmd.Flags().Int("limit", catalog.DefaultLimit, "maximum rows to show")
	historyCmd.Flags().String("output-dir", "", "output directory holding catalog.db (default from OUTPUT_DIR)")
	historyCmd.Flags().String("run", "", "only extractions from this run")
	historyCmd.Flags().String("class", "", "only extractions of this class")
	historyCmd.Flags().String("text", "", "only extractions whose text contains this substring")
	historyCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(historyCmd)
}
