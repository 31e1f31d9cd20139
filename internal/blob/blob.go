package blob

import (
	"context"
	"errors"
)

// ErrReferenceNotFound 引用不存在或已被消费 / reference missing or already consumed
var ErrReferenceNotFound = errors.New("blob reference not found")

// Store 内容寻址的字节暂存层，用于过大而无法内联进工具调用的图片载荷。
// Store is a content-addressed staging layer for payloads too large to embed
// inline in a tool call. References are opaque and single-use by convention:
// the consumer deletes the reference once the bytes have been read.
type Store interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete is best-effort at call sites: failures are logged, never fatal.
	Delete(ctx context.Context, ref string) error
	Close() error
}
