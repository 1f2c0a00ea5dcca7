package chunking

import "strings"

const (
	DefaultChunkSize = 900
	DefaultOverlap   = 150
)

// Splitter cuts text into fixed-size rune windows. Consecutive chunks share
// overlap runes; the output depends only on the input text.
type Splitter struct {
	size    int
	overlap int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{size: chunkSize, overlap: overlap}
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

func (s *Splitter) Split(text string) []string {
	runes := []rune(normalizeWhitespace(text))
	if len(runes) == 0 {
		return nil
	}

	step := s.size - s.overlap
	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+s.size, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// normalizeWhitespace collapses runs of blank lines and trailing spaces left by
// PDF and office extraction.
func normalizeWhitespace(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
