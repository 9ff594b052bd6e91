package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	pdfx "github.com/ledongthuc/pdf"
)

// PDFExtractTool turns a base64 PDF (optionally a data: URI) into text.
type PDFExtractTool struct{}

func (t *PDFExtractTool) Name() string { return "pdf_extract" }

func (t *PDFExtractTool) Execute(ctx context.Context, req Request) (string, string, error) {
	dataB64 := strings.TrimSpace(req.input())
	if dataB64 == "" {
		return "", "", fmt.Errorf("missing pdf data")
	}
	// allow data: URIs
	if i := strings.Index(dataB64, ","); i != -1 && strings.HasPrefix(dataB64, "data:") {
		dataB64 = dataB64[i+1:]
	}
	buf, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64: %w", err)
	}
	maxBytes := envInt("PDF_MAX_BYTES", 20*1024*1024)
	if len(buf) > maxBytes {
		return "", "", fmt.Errorf("pdf too large: %d bytes > limit %d", len(buf), maxBytes)
	}
	text, pages, err := PDFText(ctx, buf, envInt("PDF_MAX_PAGES", 20))
	if err != nil {
		return "", "", err
	}
	return text, fmt.Sprintf("pages=%d bytes=%d", pages, len(buf)), nil
}

// PDFText extracts the plain text of up to maxPages pages. It returns the
// total page count of the document.
func PDFText(ctx context.Context, buf []byte, maxPages int) (text string, total int, err error) {
	// The pdf reader panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdfx.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	total = r.NumPage()
	n := total
	if maxPages > 0 && n > maxPages {
		n = maxPages
	}
	var out strings.Builder
	for page := 1; page <= n; page++ {
		if ctx.Err() != nil {
			return "", total, errors.New("pdf extraction cancelled")
		}
		p := r.Page(page)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), total, nil
}
