package chunking

import (
	"strings"
	"testing"
)

func TestSplitterProducesOverlappingWindows(t *testing.T) {
	s := NewSplitter(10, 4)
	chunks := s.Split("abcdefghijklmnopqrstuvwxyz")
	want := []string{"abcdefghij", "ghijklmnop", "mnopqrstuv", "stuvwxyz"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %q", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestSplitterNormalizesInvalidOverlap(t *testing.T) {
	s := NewSplitter(100, 100)
	if s.Overlap() != 25 {
		t.Fatalf("expected overlap 25, got %d", s.Overlap())
	}
	s = NewSplitter(0, -1)
	if s.Size() != DefaultChunkSize || s.Overlap() != 0 {
		t.Fatalf("unexpected normalization size=%d overlap=%d", s.Size(), s.Overlap())
	}
}

func TestSplitterIsDeterministicAndRuneSafe(t *testing.T) {
	text := strings.Repeat("привет мир ", 50)
	s := NewSplitter(32, 8)
	a := s.Split(text)
	b := s.Split(text)
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("expected stable non-empty output, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
		if len([]rune(a[i])) > 32 {
			t.Fatalf("chunk %d exceeds size: %d runes", i, len([]rune(a[i])))
		}
	}
}

func TestSplitterEmptyInput(t *testing.T) {
	if got := NewSplitter(10, 2).Split(" \n\n "); got != nil {
		t.Fatalf("expected nil, got %q", got)
	}
}
