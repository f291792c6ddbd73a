// Package extract runs the extraction task against one document: it chunks
// the text, prompts the model for each chunk, resolves and validates the
// answers, and aligns every extraction with its span in the source.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/clinical-extract/internal/align"
	"github.com/pdiddy/clinical-extract/internal/llm"
	"github.com/pdiddy/clinical-extract/internal/logging"
	"github.com/pdiddy/clinical-extract/internal/prompt"
	"github.com/pdiddy/clinical-extract/internal/resolver"
	"github.com/pdiddy/clinical-extract/internal/schema"
	"github.com/pdiddy/clinical-extract/internal/task"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

// Defaults for zero-valued options.
const (
	DefaultMaxRetries = 3
	DefaultMaxWorkers = 4
	DefaultPasses     = 1
)

// backoffBase controls the base duration for exponential backoff between
// attempts on one chunk. Tests override this to avoid real sleeps.
var backoffBase = time.Second

// Annotator extracts from documents with one backend and one task.
type Annotator struct {
	backend    llm.Backend
	builder    *prompt.Builder
	schema     *schema.Schema
	schemaMap  map[string]any
	aligner    *align.Aligner
	cfg        types.ExtractionConfig
	maxRetries int
	logger     *slog.Logger
}

// Result is the outcome of one Annotate call.
type Result struct {
	Document types.AnnotatedDocument
	Usage    types.Usage
	Chunks   int
	Passes   int

	// Models lists the model identifiers reported by the backend.
	Models []string
}

// NewAnnotator prepares prompts and, when schema constraints are enabled,
// the schema derived from the task's examples. With JSON answers and a
// schema the example answers are not fenced, matching what the
// constrained model returns. A nil logger means the logger carried by the
// context given to Annotate.
func NewAnnotator(backend llm.Backend, t *task.Task, cfg types.ExtractionConfig, maxRetries int, logger *slog.Logger) (*Annotator, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if t == nil {
		return nil, errors.New("task is required")
	}
	if cfg.Format == "" {
		cfg.Format = types.FormatJSON
	}
	if cfg.MaxCharBuffer <= 0 {
		cfg.MaxCharBuffer = DefaultMaxCharBuffer
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ExtractionPasses <= 0 {
		cfg.ExtractionPasses = DefaultPasses
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	a := &Annotator{
		backend:    backend,
		cfg:        cfg,
		maxRetries: maxRetries,
		logger:     logger,
		aligner: align.New(align.Options{
			FuzzyThreshold:    cfg.FuzzyThreshold,
			AcceptMatchLesser: cfg.AcceptMatchLesser,
		}),
	}

	promptCfg := cfg
	if cfg.UseSchemaConstraints {
		s, err := schema.FromExamples(t.Examples, t.ClassNames())
		if err != nil {
			return nil, fmt.Errorf("building schema: %w", err)
		}
		a.schema = s
		if cfg.Format == types.FormatJSON {
			m, err := s.Map()
			if err != nil {
				return nil, err
			}
			a.schemaMap = m
			promptCfg.FenceOutput = false
		}
	}

	builder, err := prompt.NewBuilder(t.Description, t.Examples, promptCfg)
	if err != nil {
		return nil, fmt.Errorf("building prompt: %w", err)
	}
	a.builder = builder
	return a, nil
}

// Schema returns the schema sent with requests, or nil.
func (a *Annotator) Schema() *schema.Schema {
	return a.schema
}

// NewDocumentID returns "doc_" followed by 8 hex characters.
func NewDocumentID() string {
	return "doc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (a *Annotator) log(ctx context.Context) *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return logging.From(ctx)
}

// Annotate extracts from doc. Every pass runs over every chunk; chunks of a
// pass run concurrently up to MaxWorkers. Any chunk failure fails the call.
func (a *Annotator) Annotate(ctx context.Context, doc types.Document) (*Result, error) {
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	chunks := Chunk(doc.Text, a.cfg.MaxCharBuffer)
	a.log(ctx).Info("annotating document",
		"document_id", doc.ID,
		"chars", len([]rune(doc.Text)),
		"chunks", len(chunks),
		"passes", a.cfg.ExtractionPasses,
		"max_workers", a.cfg.MaxWorkers)

	res := &Result{Chunks: len(chunks), Passes: a.cfg.ExtractionPasses}
	var usageMu sync.Mutex
	models := make(map[string]bool)
	record := func(r llm.Response) {
		usageMu.Lock()
		defer usageMu.Unlock()
		res.Usage.Add(r.Usage)
		if r.Model != "" {
			models[r.Model] = true
		}
	}

	var merged []types.Extraction
	groupBase := 0
	for pass := 1; pass <= a.cfg.ExtractionPasses; pass++ {
		exts, groups, err := a.runPass(ctx, chunks, pass, groupBase, record)
		if err != nil {
			return nil, err
		}
		groupBase += groups
		if pass == 1 {
			merged = exts
		} else {
			before := len(merged)
			merged = mergePass(merged, exts)
			a.log(ctx).Info("merged extraction pass", "pass", pass, "added", len(merged)-before)
		}
	}

	sortExtractions(merged)
	res.Document = types.AnnotatedDocument{
		Extractions: merged,
		Text:        doc.Text,
		DocumentID:  doc.ID,
	}
	for m := range models {
		res.Models = append(res.Models, m)
	}
	sort.Strings(res.Models)
	return res, nil
}

// runPass annotates every chunk once. Extractions come back in chunk order
// with group indexes offset so they stay unique across chunks and passes.
func (a *Annotator) runPass(ctx context.Context, chunks []TextChunk, pass, groupBase int, record func(llm.Response)) ([]types.Extraction, int, error) {
	perChunk := make([][]types.Extraction, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxWorkers)
	for i, c := range chunks {
		g.Go(func() error {
			exts, err := a.annotateChunk(gctx, c, pass, record)
			if err != nil {
				return fmt.Errorf("pass %d chunk %d (offset %d): %w", pass, c.Index, c.Start, err)
			}
			perChunk[i] = exts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var out []types.Extraction
	groups := 0
	for _, exts := range perChunk {
		maxGroup := -1
		for _, e := range exts {
			if e.GroupIndex > maxGroup {
				maxGroup = e.GroupIndex
			}
			e.GroupIndex += groupBase + groups
			out = append(out, e)
		}
		groups += maxGroup + 1
	}
	return out, groups, nil
}

// annotateChunk prompts the model for one chunk, retrying failed calls and
// unusable answers with exponential backoff. Attempts stop once ctx is done
// or the backend reports a client error that a retry cannot fix.
func (a *Annotator) annotateChunk(ctx context.Context, c TextChunk, pass int, record func(llm.Response)) ([]types.Extraction, error) {
	text, err := a.builder.Render(c.Text)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	req := llm.Request{
		Prompt:     text,
		Schema:     a.schemaMap,
		SchemaName: schema.Name,
		Format:     a.cfg.Format,
	}
	log := a.log(ctx).With("pass", pass, "chunk", c.Index)

	var exts []types.Extraction
	err = retry.Do(
		func() error {
			resp, err := a.backend.Infer(ctx, req)
			if llm.IsPermanent(err) {
				return retry.Unrecoverable(err)
			}
			if err != nil {
				return err
			}
			record(resp)
			exts, err = a.resolve(resp.Text)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(a.maxRetries+1)),
		retry.Delay(backoffBase),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("chunk attempt failed, retrying", "attempt", n+1, "max_retries", a.maxRetries, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	aligned := a.aligner.Align(c.Text, exts, c.Start)
	unaligned := 0
	for _, e := range aligned {
		if !e.Aligned() {
			unaligned++
		}
	}
	log.Debug("chunk annotated", "extractions", len(aligned), "unaligned", unaligned)
	return aligned, nil
}

// resolve parses an answer and, when a schema is set, validates it first.
func (a *Annotator) resolve(content string) ([]types.Extraction, error) {
	doc, err := resolver.Parse(content, a.cfg.Format)
	if err != nil {
		return nil, err
	}
	if a.schema != nil {
		if err := a.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", resolver.ErrMalformedOutput, err)
		}
	}
	return resolver.FromDocument(doc)
}

// mergePass adds extractions from a later pass that do not collide with
// kept ones. Aligned extractions collide when their intervals overlap;
// unaligned ones when a kept extraction has the same class and text.
func mergePass(kept, next []types.Extraction) []types.Extraction {
	out := append([]types.Extraction(nil), kept...)
	for _, e := range next {
		if collides(out, e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func collides(kept []types.Extraction, e types.Extraction) bool {
	for _, k := range kept {
		if e.Aligned() {
			if k.Aligned() && k.CharInterval.Overlaps(*e.CharInterval) {
				return true
			}
			continue
		}
		if k.Class == e.Class && k.Text == e.Text {
			return true
		}
	}
	return false
}

// sortExtractions orders by start offset with unaligned extractions last,
// then numbers them from 1.
func sortExtractions(exts []types.Extraction) {
	sort.SliceStable(exts, func(i, j int) bool {
		a, b := exts[i], exts[j]
		switch {
		case a.Aligned() && b.Aligned():
			if a.CharInterval.StartPos != b.CharInterval.StartPos {
				return a.CharInterval.StartPos < b.CharInterval.StartPos
			}
			return a.CharInterval.EndPos > b.CharInterval.EndPos
		case a.Aligned():
			return true
		default:
			return false
		}
	})
	for i := range exts {
		exts[i].ExtractionIndex = i + 1
	}
}
