package thread

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tasklens/internal/auth"
	"tasklens/internal/chat"
)

// ErrThreadNotFound 线程不存在 / thread does not exist
var ErrThreadNotFound = errors.New("thread not found")

// ErrNotThreadOwner 追加者不是线程属主；线程级授权只认属主本人
// ErrNotThreadOwner means the caller is not the thread's owning principal;
// thread-level authorization is per-owner only (unlike task sharing)
var ErrNotThreadOwner = errors.New("caller is not the thread owner")

// Meta 线程元数据 / thread metadata
type Meta struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerName string `json:"owner_name"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Page is one page of finalized messages. NextCursor is the seq of the last
// message returned; passing it back yields the following page. Cursors are
// stable: messages are never reordered or deleted.
type Page struct {
	Messages   []chat.Message `json:"messages"`
	NextCursor int            `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// Delta is one incremental content update of an in-flight assistant turn.
// Deltas are additive only and superseded by the finalized message.
type Delta struct {
	Seq     int64  `json:"seq"`
	Turn    int    `json:"turn"`
	Content string `json:"content"`
}

// Store 线程日志持久化接口 / the durable, append-only thread log
type Store interface {
	CreateThread(ctx context.Context, owner auth.Principal, title string) (Meta, error)
	GetThread(ctx context.Context, threadID string) (Meta, error)

	// AppendMessage appends to the log. The owner must match the thread's
	// owning principal; concurrent appends to one thread are serialized by
	// the store (single logical writer per thread).
	AppendMessage(ctx context.Context, threadID string, owner auth.Principal, msg chat.Message) (seq int, err error)
	ListMessages(ctx context.Context, threadID string, cursor, limit int) (Page, error)

	// Streaming deltas for in-flight assistant turns.
	AppendDelta(ctx context.Context, threadID string, turn int, chunk string) error
	ListDeltas(ctx context.Context, threadID string, afterSeq int64) ([]Delta, int64, error)
	// ClearDeltas removes deltas superseded by a finalized message.
	ClearDeltas(ctx context.Context, threadID string) error

	Close() error
}

// NewThreadID 生成新的线程 ID / generates a new thread ID
func NewThreadID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("thr_%d_%s", time.Now().UTC().Unix(), hex.EncodeToString(buf))
}
