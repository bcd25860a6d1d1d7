//go:generate go run go.uber.org/mock/mockgen -source=uploader.go -destination=../../mocks/mock_uploader.go -package=mocks
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

// Uploader stores an image on the media host and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

var (
	ErrEmptyPayload     = errors.New("empty payload")
	ErrTooLarge         = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

var imageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
}

// Policy is the acceptance rule applied before anything leaves the process.
type Policy struct {
	MaxBytes int64
}

// Check sniffs the payload and returns its MIME type and usual extension.
func (p Policy) Check(data []byte) (mimeType, ext string, err error) {
	if len(data) == 0 {
		return "", "", ErrEmptyPayload
	}
	if p.MaxBytes > 0 && int64(len(data)) > p.MaxBytes {
		return "", "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), p.MaxBytes)
	}
	detected := mimetype.Detect(data)
	mt := strings.ToLower(detected.String())
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	if !lo.Contains(imageTypes, mt) {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt)
	}
	return mt, detected.Extension(), nil
}

// Guarded applies a Policy in front of another Uploader.
type Guarded struct {
	Policy   Policy
	Uploader Uploader
}

func (g Guarded) Upload(ctx context.Context, data []byte) (string, error) {
	if _, _, err := g.Policy.Check(data); err != nil {
		return "", err
	}
	return g.Uploader.Upload(ctx, data)
}
