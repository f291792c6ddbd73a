package extract

import (
	"strings"
	"unicode"
)

// DefaultMaxCharBuffer is the chunk size used when none is configured.
const DefaultMaxCharBuffer = 1000

// TextChunk is a slice of the document sent to the model in one request.
// Start is the rune offset of Text within the document.
type TextChunk struct {
	Index int
	Start int
	Text  string
}

// End returns the rune offset just past the chunk.
func (c TextChunk) End() int {
	return c.Start + len([]rune(c.Text))
}

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune("。！？；!?;\n", r)
}

// sentences returns [start, end) rune ranges that together cover runes.
func sentences(runes []rune) [][2]int {
	var spans [][2]int
	start := 0
	for i, r := range runes {
		end := false
		switch {
		case isSentenceEnd(r):
			end = true
		case r == '.' && i+1 < len(runes) && unicode.IsSpace(runes[i+1]):
			end = true
		}
		if end {
			spans = append(spans, [2]int{start, i + 1})
			start = i + 1
		}
	}
	if start < len(runes) {
		spans = append(spans, [2]int{start, len(runes)})
	}
	return spans
}

// Chunk splits text into chunks of at most maxCharBuffer runes. Sentences
// are packed greedily; a sentence longer than the buffer is cut at the
// buffer size. Whitespace-only chunks are dropped, but offsets of the
// remaining chunks still refer to the full text.
func Chunk(text string, maxCharBuffer int) []TextChunk {
	if maxCharBuffer <= 0 {
		maxCharBuffer = DefaultMaxCharBuffer
	}
	runes := []rune(text)

	var chunks []TextChunk
	emit := func(from, to int) {
		if from >= to {
			return
		}
		s := string(runes[from:to])
		if strings.TrimSpace(s) == "" {
			return
		}
		chunks = append(chunks, TextChunk{Index: len(chunks), Start: from, Text: s})
	}

	cur, curEnd := 0, 0
	for _, sp := range sentences(runes) {
		if sp[1]-cur <= maxCharBuffer {
			curEnd = sp[1]
			continue
		}
		emit(cur, curEnd)
		cur = curEnd
		for sp[1]-cur > maxCharBuffer {
			emit(cur, cur+maxCharBuffer)
			cur += maxCharBuffer
		}
		curEnd = sp[1]
	}
	emit(cur, curEnd)
	return chunks
}
