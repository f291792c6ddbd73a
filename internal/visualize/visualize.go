// Package visualize renders annotated documents as a standalone HTML page:
// the source text with highlighted extractions, a legend, a player that
// steps through extractions, and a table of every extraction.
package visualize

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pdiddy/clinical-extract/internal/output"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

// Palette holds the highlight colours, assigned to classes in sorted order.
var Palette = []string{
	"#D2E3FC", // light blue
	"#C8E6C9", // light green
	"#FEF0C3", // light yellow
	"#F9DEDC", // light red
	"#FFDDBE", // light orange
	"#EADDFF", // light purple
	"#C4E9E4", // light teal
	"#FCE4EC", // light pink
	"#E8EAED", // light grey
	"#DDE8E8", // pale cyan
}

// DefaultSpeed is the player step interval in seconds.
const DefaultSpeed = 1.0

// Options controls rendering.
type Options struct {
	Title string

	// Speed is the player step interval in seconds.
	Speed float64

	ShowLegend bool
}

// ColorIndex maps each class in docs to a palette index. Classes are sorted
// so a class keeps its colour across runs with the same class set.
func ColorIndex(docs []types.AnnotatedDocument) map[string]int {
	seen := make(map[string]bool)
	var classes []string
	for _, d := range docs {
		for _, e := range d.Extractions {
			if !seen[e.Class] {
				seen[e.Class] = true
				classes = append(classes, e.Class)
			}
		}
	}
	sort.Strings(classes)
	idx := make(map[string]int, len(classes))
	for i, c := range classes {
		idx[c] = i % len(Palette)
	}
	return idx
}

type legendItem struct {
	Class string
	Color int
	Count int
}

type segment struct {
	Text      string
	Highlight bool
	Color     int
	Title     string
	Item      int
}

type row struct {
	Index    int
	Class    string
	Text     string
	Color    int
	Position string
	Status   string
	Attrs    string
}

type playerItem struct {
	Index    int    `json:"index"`
	Class    string `json:"class"`
	Text     string `json:"text"`
	Color    int    `json:"color"`
	Position string `json:"position"`
	Attrs    string `json:"attrs"`
	Shown    bool   `json:"shown"`
}

type docView struct {
	ID       string
	Text     string
	Empty    bool
	Legend   []legendItem
	Segments []segment
	Rows     []row
	Player   []playerItem
}

type pageData struct {
	Title      string
	Palette    []template.CSS
	ShowLegend bool
	Speed      float64
	Docs       []docView
}

// Render writes the page for docs to w.
func Render(w io.Writer, docs []types.AnnotatedDocument, opts Options) error {
	if opts.Title == "" {
		opts.Title = "Extraction results"
	}
	if opts.Speed <= 0 {
		opts.Speed = DefaultSpeed
	}

	colors := ColorIndex(docs)
	data := pageData{
		Title:      opts.Title,
		ShowLegend: opts.ShowLegend,
		Speed:      opts.Speed,
	}
	for _, c := range Palette {
		data.Palette = append(data.Palette, template.CSS(c))
	}
	for _, d := range docs {
		data.Docs = append(data.Docs, buildView(d, colors))
	}
	if err := pageTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("rendering visualization: %w", err)
	}
	return nil
}

// RenderFile reads a results JSONL file and writes the page to htmlPath.
func RenderFile(jsonlPath, htmlPath string, opts Options) error {
	docs, err := output.LoadJSONL(jsonlPath)
	if err != nil {
		return err
	}
	f, err := os.Create(htmlPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", htmlPath, err)
	}
	if err := Render(f, docs, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func buildView(d types.AnnotatedDocument, colors map[string]int) docView {
	v := docView{
		ID:    d.DocumentID,
		Text:  d.Text,
		Empty: strings.TrimSpace(d.Text) == "" || len(d.Extractions) == 0,
	}
	if v.Empty {
		return v
	}

	counts := d.ClassCounts()
	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		v.Legend = append(v.Legend, legendItem{Class: c, Color: colors[c], Count: counts[c]})
	}

	shown := pickHighlights(d.Extractions, len([]rune(d.Text)))
	v.Segments = segments(d.Text, d.Extractions, shown, colors)

	for i, e := range d.Extractions {
		attrs := formatAttributes(e)
		v.Rows = append(v.Rows, row{
			Index:    e.ExtractionIndex,
			Class:    e.Class,
			Text:     e.Text,
			Color:    colors[e.Class],
			Position: position(e),
			Status:   status(e),
			Attrs:    attrs,
		})
		v.Player = append(v.Player, playerItem{
			Index:    i,
			Class:    e.Class,
			Text:     e.Text,
			Color:    colors[e.Class],
			Position: position(e),
			Attrs:    attrs,
			Shown:    shown[i],
		})
	}
	return v
}

// pickHighlights chooses which aligned extractions are drawn inline. When
// spans overlap the earliest start wins, then the longest span.
func pickHighlights(exts []types.Extraction, textLen int) map[int]bool {
	order := make([]int, 0, len(exts))
	for i, e := range exts {
		if !e.Aligned() {
			continue
		}
		iv := e.CharInterval
		if iv.StartPos < 0 || iv.EndPos > textLen || iv.StartPos >= iv.EndPos {
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := exts[order[a]].CharInterval, exts[order[b]].CharInterval
		if ia.StartPos != ib.StartPos {
			return ia.StartPos < ib.StartPos
		}
		return ia.Len() > ib.Len()
	})

	shown := make(map[int]bool)
	lastEnd := -1
	for _, i := range order {
		iv := exts[i].CharInterval
		if iv.StartPos < lastEnd {
			continue
		}
		shown[i] = true
		lastEnd = iv.EndPos
	}
	return shown
}

func segments(text string, exts []types.Extraction, shown map[int]bool, colors map[string]int) []segment {
	runes := []rune(text)
	idx := make([]int, 0, len(shown))
	for i := range shown {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool {
		return exts[idx[a]].CharInterval.StartPos < exts[idx[b]].CharInterval.StartPos
	})

	var segs []segment
	pos := 0
	for _, i := range idx {
		e := exts[i]
		iv := e.CharInterval
		if iv.StartPos > pos {
			segs = append(segs, segment{Text: string(runes[pos:iv.StartPos])})
		}
		title := e.Class
		if attrs := formatAttributes(e); attrs != "" {
			title += " | " + attrs
		}
		segs = append(segs, segment{
			Text:      string(runes[iv.StartPos:iv.EndPos]),
			Highlight: true,
			Color:     colors[e.Class],
			Title:     title,
			Item:      i,
		})
		pos = iv.EndPos
	}
	if pos < len(runes) {
		segs = append(segs, segment{Text: string(runes[pos:])})
	}
	return segs
}

func formatAttributes(e types.Extraction) string {
	var parts []string
	for _, k := range e.AttributeKeys() {
		var val string
		switch v := e.Attributes[k].(type) {
		case []string:
			val = strings.Join(v, ", ")
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			val = strings.Join(items, ", ")
		default:
			val = fmt.Sprint(v)
		}
		parts = append(parts, k+": "+val)
	}
	return strings.Join(parts, "; ")
}

func position(e types.Extraction) string {
	if !e.Aligned() {
		return "unaligned"
	}
	return fmt.Sprintf("[%d-%d)", e.CharInterval.StartPos, e.CharInterval.EndPos)
}

func status(e types.Extraction) string {
	if e.AlignmentStatus == nil {
		return "-"
	}
	return string(*e.AlignmentStatus)
}
