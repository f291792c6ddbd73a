package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pdiddy/clinical-extract/internal/catalog"
	"github.com/pdiddy/clinical-extract/internal/config"
	"github.com/pdiddy/clinical-extract/internal/extract"
	"github.com/pdiddy/clinical-extract/internal/llm"
	"github.com/pdiddy/clinical-extract/internal/logging"
	"github.com/pdiddy/clinical-extract/internal/output"
	"github.com/pdiddy/clinical-extract/internal/task"
	"github.com/pdiddy/clinical-extract/internal/visualize"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one extraction and write results, manifest and visualization",
	Long: `Run resolves the configuration, sends the task's input text to the
model chunk by chunk, aligns the extractions to the source and writes
extraction_results.jsonl, visualization.html, run.yaml and run.log into a
new run directory under the output directory.`,
	RunE: runExtract,
}

// flagKeys maps run flags to the viper keys they override.
var flagKeys = map[string]string{
	"model":           config.KeyModel,
	"base-url":        config.KeyBaseURL,
	"provider":        config.KeyProvider,
	"output-dir":      config.KeyOutputDir,
	"log-level":       config.KeyLogLevel,
	"task":            config.KeyTask,
	"input":           config.KeyInput,
	"context":         config.KeyContext,
	"passes":          config.KeyPasses,
	"max-workers":     config.KeyMaxWorkers,
	"max-char-buffer": config.KeyMaxCharBuffer,
	"max-retries":     config.KeyMaxRetries,
	"temperature":     config.KeyTemperature,
	"format":          config.KeyFormat,
	"fuzzy-threshold": config.KeyFuzzyThreshold,
}

// negatedFlags switch a default-on setting off when given.
var negatedFlags = map[string]string{
	"no-schema":  config.KeySchemaConstraints,
	"no-fence":   config.KeyFenceOutput,
	"no-catalog": config.KeyCatalog,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("model", config.DefaultModel, "model identifier (env LLM_MODEL_ID)")
	f.String("base-url", "", "OpenAI-compatible base URL (env OPENAI_BASE_URL)")
	f.String("provider", config.DefaultProvider, "model provider (env LLM_PROVIDER)")
	f.String("output-dir", config.DefaultOutputDir, "root directory for run directories (env OUTPUT_DIR)")
	f.String("log-level", config.DefaultLogLevel, "DEBUG, INFO, WARN or ERROR (env LOG_LEVEL)")
	f.String("task", "", "task YAML file replacing the built-in clinical task")
	f.String("input", "", "text file replacing the task's input text")
	f.String("context", "", "additional context inserted into the prompt")
	f.Int("passes", config.DefaultPasses, "number of extraction passes")
	f.Int("max-workers", config.DefaultMaxWorkers, "maximum concurrent model requests")
	f.Int("max-char-buffer", config.DefaultMaxCharBuffer, "maximum chunk length in characters")
	f.Int("max-retries", config.DefaultMaxRetries, "retries for a failed chunk")
	f.Float64("temperature", 0, "sampling temperature")
	f.String("format", string(types.FormatJSON), "answer format: json or yaml")
	f.Float64("fuzzy-threshold", config.DefaultFuzzyThreshold, "minimum token match ratio for fuzzy alignment")
	f.Bool("no-schema", false, "do not derive or enforce a schema from the examples")
	f.Bool("no-fence", false, "do not wrap example answers in code fences")
	f.Bool("no-catalog", false, "do not record the run in the catalog database")
}

// bindRunFlags applies the flags set on cmd to v. Only changed flags
// override, so environment and config file values survive flag defaults.
func bindRunFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().Visit(func(fl *pflag.Flag) {
		if key, ok := flagKeys[fl.Name]; ok {
			if err := v.BindPFlag(key, fl); err != nil {
				bindErr = errors.Join(bindErr, fmt.Errorf("binding --%s: %w", fl.Name, err))
			}
			return
		}
		if key, ok := negatedFlags[fl.Name]; ok {
			if on, _ := cmd.Flags().GetBool(fl.Name); on {
				v.Set(key, false)
			}
		}
	})
	return bindErr
}

func runExtract(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	if err := bindRunFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.FromViper(v, loadedSecrets)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stderr, level)
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	rep, err := execute(ctx, cfg, logger)
	if err != nil {
		logger.Error("Run failed", "error", err)
		return err
	}

	color.Green("Results: %s (%s lines), visualization: %s", rep.resultsPath, rep.lines, rep.htmlPath)
	if rep.extractions == 0 {
		color.Yellow("No extractions were returned. Check OPENAI_BASE_URL and OPENAI_API_KEY, then look at %s.", rep.logPath)
	}
	return nil
}

// runReport is what the final console line needs from a run.
type runReport struct {
	resultsPath string
	htmlPath    string
	logPath     string
	lines       string
	extractions int
}

// execute performs one run. Steps that produce the primary results fail
// the run; the catalog is best effort.
func execute(ctx context.Context, cfg types.RunConfig, logger *logging.Logger) (*runReport, error) {
	started := time.Now()

	logger.Info("Log level", "level", logging.LevelName(logger.Level()))
	logger.Info("Environment", "dotenv_loaded", dotEnvLoaded)
	logger.Info("Base URL", "base_url", config.OrNotSet(cfg.AI.BaseURL))
	logger.Info("API key", "key", config.MaskKey(cfg.AI.APIKey, 6))
	logger.Info("Model", "model", cfg.AI.Model)

	t, err := task.Resolve(cfg.TaskFile, cfg.InputFile)
	if err != nil {
		return nil, err
	}
	for _, w := range t.Lint() {
		logger.Warn("Task examples", "warning", w)
	}

	runDir, err := output.RunDir(cfg.Output.Dir, started)
	if err != nil {
		return nil, err
	}
	runID := filepath.Base(runDir)
	logPath, err := logger.AttachFile(runDir)
	if err != nil {
		return nil, err
	}
	log := logger.Logger
	slog.SetDefault(log)
	ctx = logging.WithLogger(ctx, log)

	log.Info("Output directory", "dir", runDir, "run_id", runID)
	log.Info("Run settings",
		"task", t.Name,
		"format", cfg.Extraction.Format,
		"fence_output", cfg.Extraction.FenceOutput,
		"use_schema_constraints", cfg.Extraction.UseSchemaConstraints,
		"passes", cfg.Extraction.ExtractionPasses,
		"max_workers", cfg.Extraction.MaxWorkers,
		"max_char_buffer", cfg.Extraction.MaxCharBuffer,
	)

	backend, err := newBackend(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	annotator, err := extract.NewAnnotator(backend, t, cfg.Extraction, cfg.AI.MaxRetries, nil)
	if err != nil {
		return nil, err
	}

	run := catalog.Run{
		ID:        runID,
		Dir:       runDir,
		Task:      t.Name,
		Provider:  cfg.AI.Provider,
		Model:     cfg.AI.Model,
		StartedAt: started,
	}
	doc := types.Document{ID: extract.NewDocumentID(), Text: t.Input}
	run.DocumentID = doc.ID

	res, err := annotator.Annotate(ctx, doc)
	if err != nil {
		run.FinishedAt = time.Now()
		run.Status = catalog.StatusFailed
		run.Error = err.Error()
		recordRun(ctx, cfg, run, nil, log)
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	log.Info("Extraction finished",
		"extractions", len(res.Document.Extractions),
		"chunks", res.Chunks,
		"calls", res.Usage.Calls,
		"total_tokens", res.Usage.TotalTokens,
	)

	resultsPath := filepath.Join(runDir, output.ResultsFile)
	if err := output.SaveJSONL(resultsPath, []types.AnnotatedDocument{res.Document}); err != nil {
		return nil, fmt.Errorf("saving results: %w", err)
	}
	lines := "unknown"
	if n, err := output.CountLines(resultsPath); err != nil {
		log.Warn("Counting result lines", "path", resultsPath, "error", err)
	} else {
		lines = strconv.Itoa(n)
	}
	log.Info("Results saved", "path", resultsPath, "lines", lines)

	htmlPath := filepath.Join(runDir, output.VisualizationFile)
	opts := visualize.Options{Title: "Extraction results: " + runID, Speed: visualize.DefaultSpeed, ShowLegend: true}
	if err := visualize.RenderFile(resultsPath, htmlPath, opts); err != nil {
		return nil, fmt.Errorf("rendering visualization: %w", err)
	}
	log.Info("Visualization saved", "path", htmlPath)

	finished := time.Now()
	m := output.NewManifest(runID, res.Document)
	m.Task = t.Name
	m.StartedAt = started
	m.FinishedAt = finished
	m.Duration = finished.Sub(started).Round(time.Millisecond).String()
	m.Provider = cfg.AI.Provider
	m.Model = cfg.AI.Model
	m.ModelsSeen = res.Models
	m.BaseURLSet = cfg.AI.BaseURL != ""
	m.Temperature = cfg.AI.Temperature
	m.Settings = cfg.Extraction
	m.Chunks = res.Chunks
	m.Usage = res.Usage
	if err := output.WriteManifest(filepath.Join(runDir, output.ManifestFile), m); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	run.FinishedAt = finished
	run.Status = catalog.StatusSucceeded
	run.Extractions = m.Extractions
	run.Unaligned = m.Unaligned
	run.Tokens = res.Usage.TotalTokens
	recordRun(ctx, cfg, run, &res.Document, log)

	return &runReport{
		resultsPath: resultsPath,
		htmlPath:    htmlPath,
		logPath:     logPath,
		lines:       lines,
		extractions: len(res.Document.Extractions),
	}, nil
}

// newBackend creates the configured backend. An unknown provider falls
// back to openai with a warning and cfg is updated to match. The backend
// logs through the logger carried by each call's context.
func newBackend(ctx context.Context, cfg *types.RunConfig) (llm.Backend, error) {
	backend, err := llm.New(cfg.AI.Provider, cfg.AI, nil)
	if errors.Is(err, llm.ErrUnknownProvider) {
		logging.From(ctx).Warn("Unknown provider, using openai", "provider", cfg.AI.Provider, "error", err)
		cfg.AI.Provider = llm.ProviderOpenAI
		backend, err = llm.New(llm.ProviderOpenAI, cfg.AI, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", cfg.AI.Provider, err)
	}
	return backend, nil
}

// recordRun writes the run to the catalog. Failures are logged, never
// returned.
func recordRun(ctx context.Context, cfg types.RunConfig, run catalog.Run, doc *types.AnnotatedDocument, log *slog.Logger) {
	if !cfg.Output.Catalog {
		return
	}
	store, err := catalog.Open(cfg.Output.Dir)
	if err != nil {
		log.Warn("Catalog unavailable", "error", err)
		return
	}
	defer store.Close()

	if err := store.Record(context.WithoutCancel(ctx), run, doc); err != nil {
		log.Warn("Recording run in catalog", "run_id", run.ID, "error", err)
		return
	}
	log.Debug("Run recorded", "catalog", store.Path(), "run_id", run.ID)
}
