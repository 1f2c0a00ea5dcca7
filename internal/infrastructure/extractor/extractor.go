// Package extractor turns stored source files into plain text, choosing the
// format by file extension.
package extractor

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

// MaxFileBytes bounds how much of a single source file is read into memory.
const MaxFileBytes = 64 << 20

type formatFunc func(ctx context.Context, raw []byte) (string, error)

type Registry struct {
	formats map[string]formatFunc
}

func NewRegistry() *Registry {
	r := &Registry{formats: make(map[string]formatFunc)}
	for _, ext := range []string{".txt", ".md", ".markdown", ".csv", ".json", ".log"} {
		r.formats[ext] = extractPlainText
	}
	r.formats[".pdf"] = extractPDF
	r.formats[".docx"] = extractDOCX
	r.formats[".xlsx"] = extractXLSX
	return r
}

func (r *Registry) Supported(sourcePath string) bool {
	_, ok := r.formats[strings.ToLower(path.Ext(sourcePath))]
	return ok
}

func (r *Registry) Extract(ctx context.Context, sourcePath string, body io.Reader) (string, error) {
	ext := strings.ToLower(path.Ext(sourcePath))
	fn, ok := r.formats[ext]
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", domain.ErrDocumentRead, ext)
	}

	raw, err := io.ReadAll(io.LimitReader(body, MaxFileBytes+1))
	if err != nil {
		return "", domain.WrapError(domain.ErrDocumentRead, "read source", err)
	}
	if len(raw) > MaxFileBytes {
		return "", fmt.Errorf("%w: file exceeds %d bytes", domain.ErrDocumentRead, MaxFileBytes)
	}

	text, err := fn(ctx, raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrDocumentRead, "extract "+strings.TrimPrefix(ext, "."), err)
	}
	return strings.TrimSpace(text), nil
}
