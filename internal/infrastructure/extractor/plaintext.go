package extractor

import (
	"context"
	"errors"
	"unicode/utf8"
)

func extractPlainText(_ context.Context, raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("file is not valid utf-8 text")
	}
	return string(raw), nil
}
