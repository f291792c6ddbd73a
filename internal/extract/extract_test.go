package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pdiddy/clinical-extract/internal/llm"
	"github.com/pdiddy/clinical-extract/internal/logging"
	"github.com/pdiddy/clinical-extract/internal/resolver"
	"github.com/pdiddy/clinical-extract/internal/task"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

// --- mock backend ---

// mockBackend answers by chunk text. Answers are consumed in order per
// chunk; the last one repeats.
type mockBackend struct {
	mu       sync.Mutex
	answers  map[string][]string
	err      error
	calls    int
	requests []llm.Request
}

func question(prompt string) string {
	i := strings.LastIndex(prompt, "Q: ")
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(prompt[i+len("Q: "):], "\nA: ")
}

func (m *mockBackend) Infer(_ context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return llm.Response{}, m.err
	}
	q := question(req.Prompt)
	queue := m.answers[q]
	if len(queue) == 0 {
		return llm.Response{Text: `{"extractions":[]}`, Model: "mock", Usage: types.Usage{TotalTokens: 1, Calls: 1}}, nil
	}
	answer := queue[0]
	if len(queue) > 1 {
		m.answers[q] = queue[1:]
	}
	return llm.Response{
		Text:  answer,
		Model: "mock",
		Usage: types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Calls: 1},
	}, nil
}

func TestMain(m *testing.M) {
	// Override backoff to avoid real sleeps in retry tests.
	backoffBase = time.Millisecond
	os.Exit(m.Run())
}

func testTask() *task.Task {
	return &task.Task{
		Name:        "test",
		Description: "提取症状和诊断。",
		Classes:     []string{"症状", "诊断"},
		Examples: []types.ExampleData{{
			Text: "胸痛2小时。考虑心绞痛。",
			Extractions: []types.Extraction{
				{Class: "症状", Text: "胸痛", Attributes: map[string]any{"持续时间": "2小时"}},
				{Class: "诊断", Text: "心绞痛"},
			},
		}},
		Input: "患者胸痛伴出汗。诊断急性心梗。",
	}
}

func testConfig() types.ExtractionConfig {
	return types.ExtractionConfig{
		Format:           types.FormatJSON,
		FenceOutput:      true,
		MaxCharBuffer:    8,
		ExtractionPasses: 1,
		MaxWorkers:       2,
		FuzzyThreshold:   0.75,
	}
}

func newAnnotator(t *testing.T, backend llm.Backend, cfg types.ExtractionConfig, maxRetries int) *Annotator {
	t.Helper()
	a, err := NewAnnotator(backend, testTask(), cfg, maxRetries, nil)
	if err != nil {
		t.Fatalf("NewAnnotator: %v", err)
	}
	return a
}

// --- Chunk ---

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"empty", "", 10, nil},
		{"whitespace only", " \n ", 10, nil},
		{"fits", "胸痛。出汗。", 10, []string{"胸痛。出汗。"}},
		{"sentence boundaries", "患者胸痛伴出汗。诊断急性心梗。", 8, []string{"患者胸痛伴出汗。", "诊断急性心梗。"}},
		{"long sentence cut", "一二三四五六七八九十", 4, []string{"一二三四", "五六七八", "九十"}},
		{"english period", "Chest pain. Sweating.", 12, []string{"Chest pain.", " Sweating."}},
		{"newline ends sentence", "BP 150/95\nHR 88", 10, []string{"BP 150/95\n", "HR 88"}},
		{"decimal point is not a boundary", "Temp 37.5 C", 20, []string{"Temp 37.5 C"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunk(tt.text, tt.max)
			var got []string
			for _, c := range chunks {
				got = append(got, c.Text)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Chunk(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}

func TestChunkOffsets(t *testing.T) {
	text := "患者胸痛伴出汗。\n\n诊断急性心梗。给予阿司匹林。"
	runes := []rune(text)
	for i, c := range Chunk(text, 9) {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if got := string(runes[c.Start:c.End()]); got != c.Text {
			t.Errorf("chunk %d: text at offset %d = %q, want %q", i, c.Start, got, c.Text)
		}
		if n := len([]rune(c.Text)); n > 9 {
			t.Errorf("chunk %d has %d runes, want <= 9", i, n)
		}
	}
}

// --- Annotate ---

func TestAnnotate(t *testing.T) {
	backend := &mockBackend{answers: map[string][]string{
		"患者胸痛伴出汗。": {"```json\n{\"extractions\":[{\"症状\":\"胸痛伴出汗\",\"症状_attributes\":{\"伴随\":\"出汗\"}}]}\n```"},
		"诊断急性心梗。":  {`{"extractions":[{"诊断":"急性心梗"},{"诊断":"陈旧性心梗"}]}`},
	}}
	a := newAnnotator(t, backend, testConfig(), 3)

	res, err := a.Annotate(context.Background(), types.Document{Text: "患者胸痛伴出汗。诊断急性心梗。"})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}

	doc := res.Document
	if !regexp.MustCompile(`^doc_[0-9a-f]{8}$`).MatchString(doc.DocumentID) {
		t.Errorf("document id %q", doc.DocumentID)
	}
	if res.Chunks != 2 || res.Passes != 1 {
		t.Errorf("chunks=%d passes=%d, want 2 and 1", res.Chunks, res.Passes)
	}
	if len(doc.Extractions) != 3 {
		t.Fatalf("got %d extractions, want 3", len(doc.Extractions))
	}

	first := doc.Extractions[0]
	if first.Text != "胸痛伴出汗" || first.CharInterval == nil || *first.CharInterval != (types.CharInterval{StartPos: 2, EndPos: 7}) {
		t.Errorf("first extraction = %+v", first)
	}
	if first.Attributes["伴随"] != "出汗" {
		t.Errorf("attributes = %v", first.Attributes)
	}

	second := doc.Extractions[1]
	if second.CharInterval == nil || *second.CharInterval != (types.CharInterval{StartPos: 10, EndPos: 14}) {
		t.Errorf("second extraction interval = %v, want [10,14)", second.CharInterval)
	}

	// The hallucinated diagnosis shares only part of its text with the
	// source; it stays in the output, after aligned extractions.
	last := doc.Extractions[2]
	if last.Text != "陈旧性心梗" || last.Aligned() {
		t.Errorf("last extraction = %+v, want unaligned 陈旧性心梗", last)
	}

	for i, e := range doc.Extractions {
		if e.ExtractionIndex != i+1 {
			t.Errorf("extraction %d has index %d", i, e.ExtractionIndex)
		}
	}
	if doc.Extractions[0].GroupIndex == doc.Extractions[1].GroupIndex {
		t.Error("group indexes from different chunks should differ")
	}

	if res.Usage.Calls != 2 || res.Usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if len(res.Models) != 1 || res.Models[0] != "mock" {
		t.Errorf("models = %v", res.Models)
	}
}

func TestAnnotateKeepsDocumentID(t *testing.T) {
	a := newAnnotator(t, &mockBackend{}, testConfig(), 0)
	res, err := a.Annotate(context.Background(), types.Document{ID: "doc_fixed", Text: "胸痛。"})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if res.Document.DocumentID != "doc_fixed" {
		t.Errorf("document id = %q", res.Document.DocumentID)
	}
	if len(res.Document.Extractions) != 0 {
		t.Errorf("want no extractions, got %d", len(res.Document.Extractions))
	}
}

func TestAnnotateRetriesMalformedAnswer(t *testing.T) {
	backend := &mockBackend{answers: map[string][]string{
		"胸痛。": {"sorry, I cannot help", `{"extractions":[{"症状":"胸痛"}]}`},
	}}
	a := newAnnotator(t, backend, testConfig(), 3)

	res, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("calls = %d, want 2", backend.calls)
	}
	if len(res.Document.Extractions) != 1 {
		t.Errorf("extractions = %d, want 1", len(res.Document.Extractions))
	}
	if res.Usage.Calls != 2 {
		t.Errorf("usage counts every call, got %d", res.Usage.Calls)
	}
}

func TestAnnotateRetryExhaustion(t *testing.T) {
	backend := &mockBackend{err: errors.New("upstream unavailable")}
	a := newAnnotator(t, backend, testConfig(), 2)

	_, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "chunk 0") || !strings.Contains(err.Error(), "upstream unavailable") {
		t.Errorf("error = %v", err)
	}
	// 1 initial + 2 retries.
	if backend.calls != 3 {
		t.Errorf("calls = %d, want 3", backend.calls)
	}
}

func TestAnnotateRetriesAttemptTimeout(t *testing.T) {
	backend := &mockBackend{err: fmt.Errorf("Post \"/chat/completions\": %w", context.DeadlineExceeded)}
	a := newAnnotator(t, backend, testConfig(), 2)

	_, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	// A timed-out attempt is retried while the run itself is still live.
	if backend.calls != 3 {
		t.Errorf("calls = %d, want 3", backend.calls)
	}
}

func TestAnnotateClientErrorNotRetried(t *testing.T) {
	backend := &mockBackend{err: &llm.StatusError{Provider: llm.ProviderOpenAI, StatusCode: 401, Err: errors.New("invalid api key")}}
	a := newAnnotator(t, backend, testConfig(), 3)

	_, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	var se *llm.StatusError
	if !errors.As(err, &se) || se.StatusCode != 401 {
		t.Fatalf("error = %v, want status 401", err)
	}
	if backend.calls != 1 {
		t.Errorf("calls = %d, want 1", backend.calls)
	}
}

func TestAnnotateLogsToContextLogger(t *testing.T) {
	backend := &mockBackend{}
	a := newAnnotator(t, backend, testConfig(), 0)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logging.WithLogger(context.Background(), logger)
	if _, err := a.Annotate(ctx, types.Document{ID: "doc_1", Text: "胸痛。"}); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "annotating document") || !strings.Contains(out, "document_id=doc_1") {
		t.Errorf("log output = %q", out)
	}
	if !strings.Contains(out, "chunk annotated") {
		t.Errorf("chunk log missing: %q", out)
	}
}

func TestAnnotateContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &mockBackend{err: context.Canceled}
	a := newAnnotator(t, backend, testConfig(), 3)

	_, err := a.Annotate(ctx, types.Document{Text: "胸痛。"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestAnnotateSchemaConstraints(t *testing.T) {
	cfg := testConfig()
	cfg.UseSchemaConstraints = true

	backend := &mockBackend{answers: map[string][]string{
		"胸痛。": {`{"extractions":[{"检查":"心电图"}]}`},
	}}
	a := newAnnotator(t, backend, cfg, 1)
	if a.Schema() == nil {
		t.Fatal("schema not built")
	}

	_, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	if !errors.Is(err, resolver.ErrMalformedOutput) {
		t.Fatalf("error = %v, want ErrMalformedOutput", err)
	}

	req := backend.requests[0]
	if req.Schema == nil || req.SchemaName == "" {
		t.Error("schema not sent with request")
	}
	if strings.Contains(req.Prompt, "```") {
		t.Error("example answers should not be fenced when a schema constrains JSON output")
	}
}

func TestAnnotateYAMLSchemaNotSent(t *testing.T) {
	cfg := testConfig()
	cfg.Format = types.FormatYAML
	cfg.UseSchemaConstraints = true

	backend := &mockBackend{answers: map[string][]string{
		"胸痛。": {"extractions:\n  - 症状: 胸痛\n"},
	}}
	a := newAnnotator(t, backend, cfg, 0)

	res, err := a.Annotate(context.Background(), types.Document{Text: "胸痛。"})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if backend.requests[0].Schema != nil {
		t.Error("schema should not be sent for YAML answers")
	}
	if len(res.Document.Extractions) != 1 {
		t.Errorf("extractions = %d, want 1", len(res.Document.Extractions))
	}
}

func TestAnnotateMultiPass(t *testing.T) {
	cfg := testConfig()
	cfg.ExtractionPasses = 2
	cfg.MaxCharBuffer = 100

	text := "患者胸痛伴出汗。诊断急性心梗。"
	backend := &mockBackend{answers: map[string][]string{
		text: {
			`{"extractions":[{"症状":"胸痛伴出汗"}]}`,
			`{"extractions":[{"症状":"胸痛"},{"诊断":"急性心梗"}]}`,
		},
	}}
	a := newAnnotator(t, backend, cfg, 0)

	res, err := a.Annotate(context.Background(), types.Document{Text: text})
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}

	var got []string
	for _, e := range res.Document.Extractions {
		got = append(got, e.Text)
	}
	want := []string{"胸痛伴出汗", "急性心梗"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("extractions = %v, want %v (overlapping second-pass span dropped)", got, want)
	}
	if res.Passes != 2 || backend.calls != 2 {
		t.Errorf("passes=%d calls=%d, want 2 and 2", res.Passes, backend.calls)
	}
}

func TestNewAnnotatorRequiresBackendAndTask(t *testing.T) {
	if _, err := NewAnnotator(nil, testTask(), testConfig(), 0, nil); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := NewAnnotator(&mockBackend{}, nil, testConfig(), 0, nil); err == nil {
		t.Error("expected error for nil task")
	}
}

// --- merge and sort ---

func aligned(class, text string, start, end int) types.Extraction {
	st := types.MatchExact
	return types.Extraction{
		Class:           class,
		Text:            text,
		CharInterval:    &types.CharInterval{StartPos: start, EndPos: end},
		AlignmentStatus: &st,
	}
}

func TestMergePass(t *testing.T) {
	kept := []types.Extraction{
		aligned("症状", "胸痛", 0, 2),
		{Class: "诊断", Text: "心梗"},
	}
	next := []types.Extraction{
		aligned("症状", "胸痛伴出汗", 0, 5), // overlaps
		aligned("体征", "BP", 10, 12),  // new span
		{Class: "诊断", Text: "心梗"},    // same unaligned
		{Class: "诊断", Text: "冠心病"},   // new unaligned
	}

	merged := mergePass(kept, next)
	var got []string
	for _, e := range merged {
		got = append(got, e.Text)
	}
	want := []string{"胸痛", "心梗", "BP", "冠心病"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("mergePass = %v, want %v", got, want)
	}
	if len(kept) != 2 {
		t.Error("mergePass modified its input")
	}
}

func TestSortExtractions(t *testing.T) {
	exts := []types.Extraction{
		{Class: "诊断", Text: "未定位"},
		aligned("症状", "b", 5, 6),
		aligned("症状", "a", 0, 1),
		aligned("症状", "ab", 0, 3),
	}
	sortExtractions(exts)

	var got []string
	for _, e := range exts {
		got = append(got, e.Text)
	}
	want := []string{"ab", "a", "b", "未定位"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	for i, e := range exts {
		if e.ExtractionIndex != i+1 {
			t.Errorf("index %d = %d", i, e.ExtractionIndex)
		}
	}
}

func TestNewDocumentID(t *testing.T) {
	re := regexp.MustCompile(`^doc_[0-9a-f]{8}$`)
	a, b := NewDocumentID(), NewDocumentID()
	if !re.MatchString(a) || !re.MatchString(b) {
		t.Errorf("ids %q %q do not match %s", a, b, re)
	}
	if a == b {
		t.Error("ids should differ")
	}
}
