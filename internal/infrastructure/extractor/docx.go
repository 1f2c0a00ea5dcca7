package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxDocumentPartBytes bounds the decompressed size of word/document.xml.
var maxDocumentPartBytes int64 = MaxFileBytes

func extractDOCX(_ context.Context, raw []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}
	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document part: %w", err)
		}
		defer rc.Close()

		limited := &io.LimitedReader{R: rc, N: maxDocumentPartBytes + 1}
		text, err := documentText(limited)
		if limited.N <= 0 {
			return "", fmt.Errorf("document part exceeds %d bytes", maxDocumentPartBytes)
		}
		return text, err
	}
	return "", errors.New("docx has no word/document.xml")
}

// documentText walks the WordprocessingML token stream: text runs are kept,
// paragraphs and breaks become newlines, tabs stay tabs.
func documentText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var out strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document part: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteByte('\t')
			case "br", "cr":
				out.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return out.String(), nil
}
