// Package chunker splits entry content into passages for lexical indexing.
// BM25 length normalization penalizes long documents, so long entries are
// indexed as several passages and scored by their best one.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultMaxChars = 600
	DefaultOverlap  = 80
)

// Options configures chunking behavior.
type Options struct {
	MaxChars int // passages are at most this many bytes, except single oversized words
	Overlap  int // trailing bytes of the previous passage repeated at the start of the next
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{MaxChars: DefaultMaxChars, Overlap: DefaultOverlap}
}

// Passage is one indexable slice of an entry.
type Passage struct {
	Seq    int
	Text   string
	Offset int // byte offset of the passage's first unit in the trimmed input
}

// Split breaks text into passages. Text that fits in MaxChars is one passage.
func Split(text string, opts Options) []Passage {
	if opts.MaxChars <= 0 {
		opts = DefaultOptions()
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.MaxChars {
		opts.Overlap = 0
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxChars {
		return []Passage{{Seq: 0, Text: text, Offset: 0}}
	}

	var out []Passage
	var cur strings.Builder
	curOffset := 0

	emit := func() {
		t := strings.TrimSpace(cur.String())
		if t != "" {
			out = append(out, Passage{Seq: len(out), Text: t, Offset: curOffset})
		}
		cur.Reset()
	}

	for _, u := range units(text, opts.MaxChars) {
		if cur.Len() > 0 && cur.Len()+1+len(u.text) > opts.MaxChars {
			prev := cur.String()
			emit()
			if tail := overlapTail(prev, opts.Overlap); tail != "" && len(tail)+1+len(u.text) <= opts.MaxChars {
				cur.WriteString(tail)
				curOffset = u.offset - len(tail)
				if curOffset < 0 {
					curOffset = 0
				}
			} else {
				curOffset = u.offset
			}
		}
		if cur.Len() == 0 {
			curOffset = u.offset
		} else {
			cur.WriteByte(' ')
		}
		cur.WriteString(u.text)
	}
	emit()

	return out
}

type unit struct {
	text   string
	offset int
}

// units yields sentences, or words for sentences longer than max.
func units(text string, max int) []unit {
	var out []unit
	start := 0
	flush := func(end int) {
		s := text[start:end]
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			start = end
			return
		}
		off := start + strings.Index(s, trimmed)
		if len(trimmed) <= max {
			out = append(out, unit{text: trimmed, offset: off})
		} else {
			out = append(out, words(trimmed, off)...)
		}
		start = end
	}

	for i, r := range text {
		switch {
		case r == '\n':
			flush(i + 1)
		case r == '.' || r == '!' || r == '?':
			next := i + 1
			if next >= len(text) || unicode.IsSpace(rune(text[next])) {
				flush(next)
			}
		}
	}
	if start < len(text) {
		flush(len(text))
	}
	return out
}

func words(s string, base int) []unit {
	var out []unit
	pos := 0
	for _, w := range strings.Fields(s) {
		idx := strings.Index(s[pos:], w)
		out = append(out, unit{text: w, offset: base + pos + idx})
		pos += idx + len(w)
	}
	return out
}

// overlapTail returns the last n bytes of s, cut forward to a word boundary.
func overlapTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return ""
	}
	tail := s[len(s)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		tail = tail[i+1:]
	} else {
		return ""
	}
	return strings.TrimSpace(tail)
}
