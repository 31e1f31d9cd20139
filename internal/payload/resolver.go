package payload

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tasklens/internal/blob"
)

// Input 内联载荷或 blob 引用，二选一 / either an inline payload or a blob reference
type Input struct {
	// Inline form: base64 image data plus its declared media type.
	InlineData string
	MediaType  string
	// Reference form: an opaque reference previously returned by the blob store.
	StorageRef string
}

// Resolver turns an Input into validated image bytes. Resolving a storage
// reference consumes it: the reference is deleted once the bytes have been
// read (best-effort; deletion failure is logged, not fatal).
type Resolver struct {
	blobs  blob.Store
	logger *zap.Logger
}

func NewResolver(blobs blob.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{blobs: blobs, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, in Input) (Image, error) {
	hasInline := strings.TrimSpace(in.InlineData) != ""
	hasRef := strings.TrimSpace(in.StorageRef) != ""
	switch {
	case hasInline && hasRef:
		return Image{}, fmt.Errorf("%w: both inline payload and storage reference supplied", ErrInvalidImageFormat)
	case hasInline:
		return r.resolveInline(in)
	case hasRef:
		return r.resolveReference(ctx, in.StorageRef)
	default:
		return Image{}, fmt.Errorf("%w: no payload supplied", ErrInvalidImageFormat)
	}
}

func (r *Resolver) resolveInline(in Input) (Image, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(in.InlineData))
	if err != nil {
		return Image{}, fmt.Errorf("%w: payload is not valid base64", ErrInvalidImageFormat)
	}
	img := Image{MediaType: strings.TrimSpace(in.MediaType), Data: data}
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

func (r *Resolver) resolveReference(ctx context.Context, ref string) (Image, error) {
	if r.blobs == nil {
		return Image{}, fmt.Errorf("resolve reference: blob store unavailable")
	}
	data, err := r.blobs.Get(ctx, ref)
	if err != nil {
		return Image{}, fmt.Errorf("resolve reference: %w", err)
	}
	// Stored payloads are opaque bytes; recover the media type by sniffing.
	img := Image{MediaType: http.DetectContentType(data), Data: data}
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	// The reference is single-use: consume it now that the bytes are in hand.
	if err := r.blobs.Delete(ctx, ref); err != nil {
		r.logger.Warn("delete consumed blob reference failed",
			zap.String("ref", ref), zap.Error(err))
	}
	return img, nil
}
