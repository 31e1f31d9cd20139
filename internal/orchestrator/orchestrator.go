package orchestrator

import (
	"errors"

	"go.uber.org/zap"

	"tasklens/internal/auth"
	"tasklens/internal/provider"
	"tasklens/internal/schema"
	"tasklens/internal/thread"
	"tasklens/internal/tools"
)

// ErrStepBudgetExhausted 回合预算用尽且没有最终回答；这是调用方需要处理的
// 非成功终态，而不是硬错误
// ErrStepBudgetExhausted means the turn budget ran out without a final
// answer; a terminal non-success state the caller must handle, not a fault
var ErrStepBudgetExhausted = errors.New("step budget exhausted without a final answer")

// Outcome is the terminal state of one extraction run.
type Outcome string

const (
	OutcomeFinalAnswer         Outcome = "final_answer"
	OutcomeStepBudgetExhausted Outcome = "step_budget_exhausted"
	OutcomeFailed              Outcome = "failed"
)

// Result 一次抽取运行的结果 / the result of one extraction run
type Result struct {
	Outcome   Outcome
	Analysis  *schema.AnalysisResult // latest normalized analysis folded into the conversation, may be nil
	FinalText string                 // last assistant text
	Inspected bool                   // whether a successful image inspection fed this run
	Turns     int                    // model turns consumed
}

// Orchestrator 驱动有界的工具调度循环：模型每回合要么给出最终回答，
// 要么请求一次工具调用，工具结果以 tool 消息折回对话。
// Orchestrator drives the bounded tool dispatch loop: each turn the model
// either produces a final answer or requests tool invocations whose results
// are folded back into the conversation as tool messages.
type Orchestrator struct {
	provider provider.Provider
	registry *tools.Registry
	threads  thread.Store
	logger   *zap.Logger

	maxTurns   int
	tokenLimit int
}

// Options configure an Orchestrator.
type Options struct {
	// MaxTurns bounds the number of model turns per run (default 3).
	MaxTurns int
	// ContextTokenLimit caps the estimated size of the replayed conversation
	// sent to the model (default 24000).
	ContextTokenLimit int
	Logger            *zap.Logger
}

func New(p provider.Provider, registry *tools.Registry, threads thread.Store, opts Options) *Orchestrator {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 3
	}
	tokenLimit := opts.ContextTokenLimit
	if tokenLimit <= 0 {
		tokenLimit = 24000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		provider:   p,
		registry:   registry,
		threads:    threads,
		logger:     logger,
		maxTurns:   maxTurns,
		tokenLimit: tokenLimit,
	}
}

// Run input describing what to extract; the seed user message tells the model
// how to reach the image.
type RunInput struct {
	Owner auth.Principal
	// Exactly one of InlineData (+MediaType) or StorageRef.
	InlineData string
	MediaType  string
	StorageRef string
	// Optional project context, forwarded into the inspection tool verbatim.
	Context string
}
