package chunker

import (
	"strings"
	"testing"
)

func TestSplit_EmptyInput(t *testing.T) {
	if result := Split("   ", DefaultOptions()); result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortContent(t *testing.T) {
	text := "This is a short memory."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected 1 passage, got %d", len(result))
	}
	if result[0].Text != text {
		t.Errorf("expected %q, got %q", text, result[0].Text)
	}
}

func TestSplit_RespectsMaxChars(t *testing.T) {
	opts := Options{MaxChars: 120, Overlap: 20}
	text := strings.Repeat("The archiver moves session entries to warm storage. ", 20)

	result := Split(text, opts)
	if len(result) < 2 {
		t.Fatalf("expected several passages, got %d", len(result))
	}
	for i, p := range result {
		if len(p.Text) > opts.MaxChars {
			t.Errorf("passage %d is %d bytes, max %d", i, len(p.Text), opts.MaxChars)
		}
		if p.Seq != i {
			t.Errorf("passage %d has seq %d", i, p.Seq)
		}
	}
}

func TestSplit_Overlap(t *testing.T) {
	opts := Options{MaxChars: 60, Overlap: 25}
	text := "alpha beta gamma delta. epsilon zeta eta theta. iota kappa lambda mu. nu xi omicron pi."

	result := Split(text, opts)
	if len(result) < 2 {
		t.Fatalf("expected at least 2 passages, got %d", len(result))
	}
	// The second passage starts with words carried over from the first.
	firstWords := strings.Fields(result[0].Text)
	last := firstWords[len(firstWords)-1]
	if !strings.Contains(result[1].Text, last) {
		t.Errorf("expected overlap word %q in %q", last, result[1].Text)
	}
}

func TestSplit_LongWordsFallback(t *testing.T) {
	opts := Options{MaxChars: 50}
	// One sentence with no terminators, longer than MaxChars.
	text := strings.Repeat("word ", 40)

	result := Split(text, opts)
	if len(result) < 3 {
		t.Fatalf("expected word-level splitting, got %d passages", len(result))
	}
	joined := strings.Join(strings.Fields(strings.Repeat("word ", 40)), " ")
	var total int
	for _, p := range result {
		total += len(strings.Fields(p.Text))
	}
	if total != len(strings.Fields(joined)) {
		t.Errorf("expected every word exactly once without overlap, got %d words", total)
	}
}

func TestSplit_Offsets(t *testing.T) {
	opts := Options{MaxChars: 30}
	text := "First sentence here. Second sentence here. Third one."
	for _, p := range Split(text, opts) {
		if !strings.HasPrefix(text[p.Offset:], strings.Fields(p.Text)[0]) {
			t.Errorf("offset %d does not point at passage %q", p.Offset, p.Text)
		}
	}
}
