package pdf

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FakeExtractor is an in-memory Extractor for testing. Documents are the
// synthetic byte strings produced by FakeDoc; slices carry their page range
// in-band so Text can resolve range-specific fixtures.
type FakeExtractor struct {
	// TextByRange maps "start-end" to the text returned for that slice.
	TextByRange map[string]string

	// DefaultText is returned when no range fixture matches.
	DefaultText string

	// Errors to return from operations
	PageCountErr error
	SliceErr     error
	TextErr      error

	// Track calls
	SliceCalls int
	TextCalls  int
}

// FakeDoc builds a synthetic document with the given page count.
func FakeDoc(pages int) []byte {
	return []byte(fmt.Sprintf("fakepdf:%d", pages))
}

// PageCount parses the page count out of a FakeDoc.
func (f *FakeExtractor) PageCount(_ context.Context, doc []byte) (int, error) {
	if f.PageCountErr != nil {
		return 0, f.PageCountErr
	}
	parts := strings.Split(string(doc), ":")
	if len(parts) < 2 || parts[0] != "fakepdf" {
		return 0, ErrCorrupt
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, ErrCorrupt
	}
	return n, nil
}

// Slice returns a synthetic sub-document tagged with its page range.
func (f *FakeExtractor) Slice(_ context.Context, doc []byte, start, end int) ([]byte, error) {
	f.SliceCalls++
	if f.SliceErr != nil {
		return nil, f.SliceErr
	}
	return []byte(fmt.Sprintf("%s:%d-%d", doc, start, end)), nil
}

// Text returns the fixture for the slice's page range, or DefaultText.
func (f *FakeExtractor) Text(_ context.Context, doc []byte) (string, error) {
	f.TextCalls++
	if f.TextErr != nil {
		return "", f.TextErr
	}
	parts := strings.Split(string(doc), ":")
	if len(parts) == 3 {
		if text, ok := f.TextByRange[parts[2]]; ok {
			return text, nil
		}
	}
	return f.DefaultText, nil
}
