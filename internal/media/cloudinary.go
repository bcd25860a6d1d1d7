package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryUploader stores images on Cloudinary and returns the asset's
// secure URL. BaseURL overrides the upload API host.
type CloudinaryUploader struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string

	BaseURL string
}

func (c *CloudinaryUploader) Upload(ctx context.Context, data []byte) (string, error) {
	cld, err := cloudinary.NewFromParams(c.CloudName, c.APIKey, c.APISecret)
	if err != nil {
		return "", fmt.Errorf("cloudinary config: %w", err)
	}
	if c.BaseURL != "" {
		cld.Config.API.UploadPrefix = strings.TrimRight(c.BaseURL, "/")
	}

	resp, err := cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       c.Folder,
		ResourceType: "image",
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("cloudinary upload: %w", ctxErr)
	}
	if resp != nil && resp.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected upload: %s", resp.Error.Message)
	}
	if err != nil {
		return "", fmt.Errorf("cloudinary upload: %w", err)
	}
	if resp == nil || resp.SecureURL == "" {
		return "", errors.New("cloudinary upload: response without secure_url")
	}
	return resp.SecureURL, nil
}
