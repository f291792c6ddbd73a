package align

import (
	"unicode"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// DefaultFuzzyThreshold is the minimum share of extraction tokens that must
// match inside the aligned span for a fuzzy alignment.
const DefaultFuzzyThreshold = 0.75

// Options tunes alignment.
type Options struct {
	FuzzyThreshold    float64
	AcceptMatchLesser bool
}

// Aligner locates extraction text in a source chunk.
type Aligner struct {
	opts Options
}

// New returns an Aligner; a zero threshold takes the default.
func New(opts Options) *Aligner {
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold > 1 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	return &Aligner{opts: opts}
}

// Align returns a copy of extractions with CharInterval and AlignmentStatus
// set for every extraction found in source. Offsets are rune positions in
// source plus offset, so chunk-relative matches map back onto the document.
// Extractions that cannot be located keep nil position fields.
func (a *Aligner) Align(source string, extractions []types.Extraction, offset int) []types.Extraction {
	src := lowerRunes(source)
	srcTokens := Tokenize(source)

	out := make([]types.Extraction, len(extractions))
	cursor := 0
	for i, ext := range extractions {
		ext.CharInterval = nil
		ext.AlignmentStatus = nil

		interval, status, ok := a.locate(src, srcTokens, ext.Text, cursor)
		if ok {
			cursor = interval.EndPos
			interval.StartPos += offset
			interval.EndPos += offset
			st := status
			ext.CharInterval = &interval
			ext.AlignmentStatus = &st
		}
		out[i] = ext
	}
	return out
}

func (a *Aligner) locate(src []rune, srcTokens []Token, text string, cursor int) (types.CharInterval, types.AlignmentStatus, bool) {
	needle := lowerRunes(text)
	if len(needle) == 0 {
		return types.CharInterval{}, "", false
	}

	idx := indexRunes(src, needle, cursor)
	if idx < 0 && cursor > 0 {
		idx = indexRunes(src, needle, 0)
	}
	if idx >= 0 {
		return types.CharInterval{StartPos: idx, EndPos: idx + len(needle)}, types.MatchExact, true
	}

	extTokens := Tokenize(text)
	if len(extTokens) == 0 || len(srcTokens) == 0 {
		return types.CharInterval{}, "", false
	}

	if interval, status, ok := a.fuzzy(srcTokens, extTokens); ok {
		return interval, status, true
	}
	if a.opts.AcceptMatchLesser {
		return lesser(srcTokens, extTokens)
	}
	return types.CharInterval{}, "", false
}

// fuzzy matches the extraction tokens against the whole source once. The
// longest matching block anchors the span; neighbouring blocks join it,
// nearest first, while the span stays within twice the extraction length.
// The reported span runs from the first to the last joined token.
func (a *Aligner) fuzzy(srcTokens, extTokens []Token) (types.CharInterval, types.AlignmentStatus, bool) {
	matcher := difflib.NewMatcherWithJunk(texts(srcTokens), texts(extTokens), false, nil)

	var blocks []difflib.Match
	anchor := -1
	for _, block := range matcher.GetMatchingBlocks() {
		if block.Size == 0 {
			continue
		}
		if anchor < 0 || block.Size > blocks[anchor].Size {
			anchor = len(blocks)
		}
		blocks = append(blocks, block)
	}
	if anchor < 0 {
		return types.CharInterval{}, "", false
	}

	first, last, matched := join(blocks, anchor, 2*len(extTokens))

	interval := types.CharInterval{
		StartPos: srcTokens[first].Start,
		EndPos:   srcTokens[last].End,
	}
	span := last - first + 1
	switch {
	case matched == len(extTokens) && span == len(extTokens):
		return interval, types.MatchExact, true
	case matched == len(extTokens):
		return interval, types.MatchGreater, true
	case float64(matched)/float64(len(extTokens)) >= a.opts.FuzzyThreshold:
		return interval, types.MatchFuzzy, true
	}
	return types.CharInterval{}, "", false
}

// join grows a span of source tokens from blocks[anchor] by adding the
// nearest neighbouring block on either side until the next one would push the
// span past limit tokens. Blocks are in source order.
func join(blocks []difflib.Match, anchor, limit int) (first, last, matched int) {
	lo, hi := anchor, anchor
	first = blocks[anchor].A
	last = blocks[anchor].A + blocks[anchor].Size - 1
	matched = blocks[anchor].Size
	for {
		leftGap, rightGap := -1, -1
		if lo > 0 {
			if b := blocks[lo-1]; last-b.A+1 <= limit {
				leftGap = first - (b.A + b.Size)
			}
		}
		if hi < len(blocks)-1 {
			if b := blocks[hi+1]; b.A+b.Size-first <= limit {
				rightGap = b.A - last - 1
			}
		}
		switch {
		case leftGap >= 0 && (rightGap < 0 || leftGap <= rightGap):
			lo--
			first = blocks[lo].A
			matched += blocks[lo].Size
		case rightGap >= 0:
			hi++
			last = blocks[hi].A + blocks[hi].Size - 1
			matched += blocks[hi].Size
		default:
			return first, last, matched
		}
	}
}

// lesser accepts the longest contiguous run of extraction tokens found in
// the source when it covers at least half of the extraction.
func lesser(srcTokens, extTokens []Token) (types.CharInterval, types.AlignmentStatus, bool) {
	matcher := difflib.NewMatcherWithJunk(texts(srcTokens), texts(extTokens), false, nil)

	var best difflib.Match
	for _, block := range matcher.GetMatchingBlocks() {
		if block.Size > best.Size {
			best = block
		}
	}
	if best.Size == 0 || 2*best.Size < len(extTokens) {
		return types.CharInterval{}, "", false
	}
	return types.CharInterval{
		StartPos: srcTokens[best.A].Start,
		EndPos:   srcTokens[best.A+best.Size-1].End,
	}, types.MatchLesser, true
}

// lowerRunes lower-cases rune by rune so offsets stay aligned with the
// source text.
func lowerRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

// indexRunes returns the first index >= from where needle occurs in hay.
func indexRunes(hay, needle []rune, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
