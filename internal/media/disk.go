package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskUploader writes images under Dir and returns BaseURL + file name.
// Used for local development where no media host is configured; the
// server exposes Dir under /media/.
type DiskUploader struct {
	Dir     string
	BaseURL string
	Policy  Policy
}

func (d *DiskUploader) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, ext, err := d.Policy.Check(data)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}

	name := uuid.NewString() + ext
	path := filepath.Join(d.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return strings.TrimRight(d.BaseURL, "/") + "/" + name, nil
}
