package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tasklens/internal/auth"
	"tasklens/internal/blob"
	"tasklens/internal/chat"
	"tasklens/internal/materialize"
	"tasklens/internal/orchestrator"
	"tasklens/internal/schema"
	"tasklens/internal/thread"
)

// Pipeline 抽取管线的调用边界：每个入口都先解析调用者身份，无身份即
// Unauthenticated，任何状态都不会被触碰。
// Pipeline is the caller-facing boundary of the extraction flow. Every entry
// point resolves the caller identity first; without one it fails with
// Unauthenticated and touches no state.
type Pipeline struct {
	identity     auth.Resolver
	threads      thread.Store
	blobs        blob.Store
	orch         *orchestrator.Orchestrator
	materializer *materialize.Materializer
	logger       *zap.Logger

	inlineMaxBytes  int
	defaultPriority string
	defaultHours    float64
}

// Options wire the pipeline's collaborators and session defaults.
type Options struct {
	Identity     auth.Resolver
	Threads      thread.Store
	Blobs        blob.Store
	Orchestrator *orchestrator.Orchestrator
	Materializer *materialize.Materializer
	Logger       *zap.Logger

	// InlineImageMaxKB caps payloads embedded directly in a tool call;
	// larger ones are staged through blob storage (default 32). The model
	// must echo inline base64 back verbatim, so the cap stays small.
	InlineImageMaxKB int
	// DefaultPriority / DefaultHours back commits that pass no explicit
	// fallback of their own.
	DefaultPriority string
	DefaultHours    float64
}

func New(opts Options) *Pipeline {
	inlineMax := opts.InlineImageMaxKB
	if inlineMax <= 0 {
		inlineMax = 32
	}
	priority := schema.NormalizePriority(opts.DefaultPriority)
	hours := opts.DefaultHours
	if hours <= 0 {
		hours = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		identity:        opts.Identity,
		threads:         opts.Threads,
		blobs:           opts.Blobs,
		orch:            opts.Orchestrator,
		materializer:    opts.Materializer,
		logger:          logger,
		inlineMaxBytes:  inlineMax * 1024,
		defaultPriority: priority,
		defaultHours:    hours,
	}
}

func (p *Pipeline) resolveIdentity(ctx context.Context) (auth.Principal, error) {
	principal, err := p.identity.Resolve(ctx)
	if err != nil {
		return auth.Principal{}, err
	}
	if principal.IsZero() {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	return principal, nil
}

// CreateSession allocates a new empty extraction thread owned by the caller.
func (p *Pipeline) CreateSession(ctx context.Context, title string) (string, error) {
	principal, err := p.resolveIdentity(ctx)
	if err != nil {
		return "", err
	}
	meta, err := p.threads.CreateThread(ctx, principal, title)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	p.logger.Info("session created",
		zap.String("thread", meta.ID), zap.String("owner", principal.ID))
	return meta.ID, nil
}

// ImageInput is the payload a caller submits for extraction: raw bytes with a
// declared media type, or a reference to a previously staged blob.
type ImageInput struct {
	Data      []byte
	MediaType string

	StorageRef string
}

// RunExtraction drives the full dispatch loop on the given thread. Raw
// payloads above the inline limit are staged through blob storage and handed
// to the loop as a single-use reference. A step-budget exhaustion is returned
// alongside the partial result, not swallowed.
func (p *Pipeline) RunExtraction(ctx context.Context, threadID string, img ImageInput, projectContext string) (orchestrator.Result, error) {
	principal, err := p.resolveIdentity(ctx)
	if err != nil {
		return orchestrator.Result{Outcome: orchestrator.OutcomeFailed}, err
	}
	if err := p.checkOwnership(ctx, threadID, principal); err != nil {
		return orchestrator.Result{Outcome: orchestrator.OutcomeFailed}, err
	}

	in := orchestrator.RunInput{
		Owner:      principal,
		StorageRef: img.StorageRef,
		Context:    projectContext,
	}
	if in.StorageRef == "" {
		if len(img.Data) > p.inlineMaxBytes {
			ref, err := p.blobs.Put(ctx, img.Data)
			if err != nil {
				return orchestrator.Result{Outcome: orchestrator.OutcomeFailed}, fmt.Errorf("stage payload: %w", err)
			}
			p.logger.Info("payload staged",
				zap.String("thread", threadID), zap.String("ref", ref), zap.Int("bytes", len(img.Data)))
			in.StorageRef = ref
		} else {
			in.InlineData = base64.StdEncoding.EncodeToString(img.Data)
			in.MediaType = img.MediaType
		}
	}

	return p.orch.RunExtraction(ctx, threadID, in)
}

// SessionMessages is one page of a session's finalized messages plus any
// live deltas of an in-flight assistant turn. InFlight is the deltas merged
// into a partial assistant message; it is superseded by the finalized
// message once the turn completes.
type SessionMessages struct {
	Page         thread.Page    `json:"page"`
	Deltas       []thread.Delta `json:"deltas,omitempty"`
	InFlight     *chat.Message  `json:"in_flight,omitempty"`
	StreamCursor int64          `json:"stream_cursor"`
}

// ListSessionMessages returns a message page starting after cursor, plus
// deltas newer than streamCursor. Pass streamCursor < 0 to skip deltas.
func (p *Pipeline) ListSessionMessages(ctx context.Context, threadID string, cursor, limit int, streamCursor int64) (SessionMessages, error) {
	principal, err := p.resolveIdentity(ctx)
	if err != nil {
		return SessionMessages{}, err
	}
	if err := p.checkOwnership(ctx, threadID, principal); err != nil {
		return SessionMessages{}, err
	}

	page, err := p.threads.ListMessages(ctx, threadID, cursor, limit)
	if err != nil {
		return SessionMessages{}, fmt.Errorf("list messages: %w", err)
	}
	out := SessionMessages{Page: page, StreamCursor: streamCursor}
	if streamCursor >= 0 {
		deltas, next, err := p.threads.ListDeltas(ctx, threadID, streamCursor)
		if err != nil {
			return SessionMessages{}, fmt.Errorf("list deltas: %w", err)
		}
		out.Deltas = deltas
		out.StreamCursor = next
		out.InFlight = mergeDeltas(deltas)
	}
	return out, nil
}

// mergeDeltas folds incremental updates into the last-known state of the
// in-flight assistant turn.
func mergeDeltas(deltas []thread.Delta) *chat.Message {
	if len(deltas) == 0 {
		return nil
	}
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d.Content)
	}
	return &chat.Message{Role: "assistant", Content: b.String(), Partial: true}
}

// CommitSelectedTasks materializes the selected extracted tasks. Fallback
// priority/hours default to the pipeline's session defaults when empty.
func (p *Pipeline) CommitSelectedTasks(ctx context.Context, analysis *schema.AnalysisResult, selectedIDs []string, projectID, defaultPriority string, defaultHours float64) (materialize.CommitResult, error) {
	principal, err := p.resolveIdentity(ctx)
	if err != nil {
		return materialize.CommitResult{}, err
	}
	return p.materializer.CommitSelected(ctx, principal, analysis, selectedIDs, projectID, p.defaults(defaultPriority, defaultHours))
}

// CommitSingleTask materializes one extracted task.
func (p *Pipeline) CommitSingleTask(ctx context.Context, analysis *schema.AnalysisResult, task *schema.ExtractedTask, projectID, defaultPriority string, defaultHours float64) (string, error) {
	principal, err := p.resolveIdentity(ctx)
	if err != nil {
		return "", err
	}
	return p.materializer.CommitOne(ctx, principal, analysis, task, projectID, p.defaults(defaultPriority, defaultHours))
}

func (p *Pipeline) defaults(priority string, hours float64) materialize.Defaults {
	if priority == "" {
		priority = p.defaultPriority
	}
	if hours <= 0 {
		hours = p.defaultHours
	}
	return materialize.Defaults{Priority: priority, Hours: hours}
}

func (p *Pipeline) checkOwnership(ctx context.Context, threadID string, principal auth.Principal) error {
	meta, err := p.threads.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if meta.OwnerID != principal.ID {
		return thread.ErrNotThreadOwner
	}
	return nil
}
