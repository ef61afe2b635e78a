// Package chunker splits long text into bounded pieces along natural
// boundaries: paragraphs, then sentences, then clauses, then words, and
// finally a hard cut for words that are longer than the limit on their own.
//
// Sizes are measured in runes. Whitespace between chunks is consumed by the
// split and reported back as each Segment's Separator, so callers can rebuild
// the original layout when joining translations.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkSize is used when the caller passes a non-positive size.
const DefaultMaxChunkSize = 600

// Segment is one chunk and the whitespace that followed it in the source.
// The last segment has an empty Separator.
type Segment struct {
	Text      string
	Separator string
}

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelClause
	levelWord
	levelHardCut
)

const ws = `[\s\v\x{85}\pZ]`

var boundaries = [...]*regexp.Regexp{
	levelParagraph: regexp.MustCompile(`\n` + ws + `*?\n` + ws + `*`),
	levelSentence:  regexp.MustCompile(`[.!?]+["'”’)\]]*` + ws + `+|[。！？]+["'”’」』）)]*` + ws + `*`),
	levelClause:    regexp.MustCompile(`[,;:]` + ws + `+|[，、；：]` + ws + `*`),
	levelWord:      regexp.MustCompile(ws + `+`),
}

// Chunk splits text into chunks of at most maxChunkSize runes.
func Chunk(text string, maxChunkSize int) []string {
	segs := Split(text, maxChunkSize)
	if segs == nil {
		return nil
	}
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.Text
	}
	return out
}

// Split is Chunk with the consumed separators preserved.
// Text that already fits is returned as a single segment, untouched.
// Blank text yields no segments.
func Split(text string, maxChunkSize int) []Segment {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxChunkSize {
		return []Segment{{Text: text}}
	}

	spans := pack(text, trimSpan(text, span{0, len(text)}), levelParagraph, maxChunkSize)
	segs := make([]Segment, len(spans))
	for i, s := range spans {
		segs[i].Text = text[s.start:s.end]
		if i+1 < len(spans) {
			segs[i].Separator = text[s.end:spans[i+1].start]
		}
	}
	return segs
}

// Join rebuilds a document from per-chunk texts using the original separators.
// texts must be index-aligned with segs.
func Join(segs []Segment, texts []string) string {
	var b strings.Builder
	for i, t := range texts {
		b.WriteString(t)
		if i < len(segs) && i+1 < len(texts) {
			b.WriteString(segs[i].Separator)
		}
	}
	return b.String()
}

// span is a byte range of the source text with no leading or trailing whitespace.
type span struct {
	start, end int
}

func (s span) empty() bool { return s.end <= s.start }

func (s span) runes(text string) int {
	return utf8.RuneCountInString(text[s.start:s.end])
}

// pack greedily merges pieces at lvl while they fit, descending a level for
// any piece that is too large on its own.
func pack(text string, s span, lvl level, max int) []span {
	if s.runes(text) <= max {
		return []span{s}
	}
	if lvl == levelHardCut {
		return hardCut(text, s, max)
	}

	pieces := splitAt(text, s, boundaries[lvl])
	if len(pieces) <= 1 {
		return pack(text, s, lvl+1, max)
	}

	var out []span
	var cur span
	have := false
	for _, p := range pieces {
		if p.runes(text) > max {
			if have {
				out = append(out, cur)
				have = false
			}
			out = append(out, pack(text, p, lvl+1, max)...)
			continue
		}
		if !have {
			cur, have = p, true
			continue
		}
		merged := span{cur.start, p.end}
		if merged.runes(text) <= max {
			cur = merged
			continue
		}
		out = append(out, cur)
		cur = p
	}
	if have {
		out = append(out, cur)
	}
	return out
}

// splitAt cuts s at every boundary match. Punctuation in the match stays with
// the preceding piece; trailing whitespace is dropped.
func splitAt(text string, s span, re *regexp.Regexp) []span {
	sub := text[s.start:s.end]
	var out []span
	pos := 0
	for _, m := range re.FindAllStringIndex(sub, -1) {
		keep := len(strings.TrimRightFunc(sub[m[0]:m[1]], unicode.IsSpace))
		if p := trimSpan(text, span{s.start + pos, s.start + m[0] + keep}); !p.empty() {
			out = append(out, p)
		}
		pos = m[1]
	}
	if p := trimSpan(text, span{s.start + pos, s.end}); !p.empty() {
		out = append(out, p)
	}
	return out
}

func hardCut(text string, s span, max int) []span {
	var out []span
	start, n := s.start, 0
	for i := range text[s.start:s.end] {
		if n == max {
			out = append(out, span{start, s.start + i})
			start, n = s.start+i, 0
		}
		n++
	}
	return append(out, span{start, s.end})
}

func trimSpan(text string, s span) span {
	for s.start < s.end {
		r, size := utf8.DecodeRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += size
	}
	for s.end > s.start {
		r, size := utf8.DecodeLastRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= size
	}
	return s
}
