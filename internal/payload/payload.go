package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// ErrInvalidImageFormat 图片载荷类型不在允许列表内，或自描述格式损坏
// ErrInvalidImageFormat means the payload media type is not allow-listed or
// the self-description is malformed
var ErrInvalidImageFormat = errors.New("invalid image format")

// allowedMediaTypes is the fixed allow-list of image media types the
// extraction pipeline accepts.
var allowedMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Image 自描述的图片字节载荷 / a self-describing image byte payload
type Image struct {
	MediaType string
	Data      []byte
}

// Validate checks the payload self-description against the allow-list.
func (img Image) Validate() error {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(img.MediaType))
	if err != nil {
		return fmt.Errorf("%w: malformed media type %q", ErrInvalidImageFormat, img.MediaType)
	}
	if !allowedMediaTypes[strings.ToLower(mediaType)] {
		return fmt.Errorf("%w: %s", ErrInvalidImageFormat, mediaType)
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidImageFormat)
	}
	return nil
}

// DataURL returns the payload as a data URL suitable for a multimodal
// message part.
func (img Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data))
}

// AllowedMediaTypes returns the allow-list, for prompt text and tool schemas.
func AllowedMediaTypes() []string {
	return []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
}
