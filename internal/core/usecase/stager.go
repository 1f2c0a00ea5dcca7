package usecase

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

// FileStager stores uploaded files under the company prefix so that INGEST
// payloads can reference them by the returned relative path.
type FileStager struct {
	storage   ports.ObjectStorage
	supported func(name string) bool
}

func NewFileStager(storage ports.ObjectStorage, supported func(name string) bool) *FileStager {
	return &FileStager{storage: storage, supported: supported}
}

func (s *FileStager) Stage(ctx context.Context, companyID, filename string, body io.Reader) (string, error) {
	name := sanitizeFilename(filename)
	if s.supported != nil && !s.supported(name) {
		return "", domain.WrapError(domain.ErrInvalidInput, "stage file",
			fmt.Errorf("unsupported file type %q", filepath.Ext(name)))
	}

	sourcePath := fmt.Sprintf("%s_%s", uuid.NewString(), name)
	if err := s.storage.Save(ctx, companyStorageKey(companyID, sourcePath), body); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}
	return sourcePath, nil
}

// companyStorageKey scopes a client supplied source path to its company.
func companyStorageKey(companyID, sourcePath string) string {
	return path.Join(companyID, strings.TrimSpace(sourcePath))
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.txt"
	}
	return base
}
