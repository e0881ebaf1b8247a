package extraction

import "context"

// OCRStrategy recognises text in a PDF whose native text layer fell short.
type OCRStrategy interface {
	Recognize(ctx context.Context, pdf []byte, nativeText string) (string, error)
}

// NoopOCR is the shipped strategy: no OCR provider is wired, so the native
// text is returned unchanged.
type NoopOCR struct{}

func (NoopOCR) Recognize(_ context.Context, _ []byte, nativeText string) (string, error) {
	return nativeText, nil
}
