// Package pdf defines the injected PDF capability the pipeline consumes.
//
// The concrete decoder (pdfium, poppler bindings, a sidecar service) is a
// deliberately excluded collaborator: the core only needs to count pages,
// cut a document into page-range sub-documents, and decode a sub-document
// into plain text.
package pdf

import (
	"context"
	"errors"
)

// ErrCorrupt is returned when the byte source is not a readable PDF.
var ErrCorrupt = errors.New("corrupt or unreadable pdf")

// Extractor is the PDF decoding capability. Page numbers are 0-based and
// ranges are inclusive on both ends.
type Extractor interface {
	// PageCount reports the number of pages in the document.
	PageCount(ctx context.Context, doc []byte) (int, error)

	// Slice returns a standalone sub-PDF containing pages [start, end].
	Slice(ctx context.Context, doc []byte, start, end int) ([]byte, error)

	// Text decodes a document into plain text. The pipeline treats an
	// empty or whitespace-only result as a terminal chunk failure.
	Text(ctx context.Context, doc []byte) (string, error)
}
