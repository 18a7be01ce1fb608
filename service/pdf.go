package service

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/unidoc/unipdf/v3/model"
)

var pdfMagic = []byte("%PDF-")

// ErrNotPDF is returned for documents without the PDF header
var ErrNotPDF = errors.New("document is not a PDF")

// PageCount opens the document and returns its number of pages
func PageCount(data []byte) (int, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), pdfMagic) {
		return 0, ErrNotPDF
	}

	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	pages, err := reader.GetNumPages()
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return pages, nil
}
