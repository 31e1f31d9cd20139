package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tasklens/internal/auth"
	"tasklens/internal/blob"
	"tasklens/internal/config"
	"tasklens/internal/materialize"
	"tasklens/internal/orchestrator"
	"tasklens/internal/payload"
	"tasklens/internal/pipeline"
	"tasklens/internal/provider"
	"tasklens/internal/schema"
	"tasklens/internal/taskstore"
	"tasklens/internal/thread"
	"tasklens/internal/tools"
	"tasklens/internal/vision"
)

func main() {
	var (
		configPath string
		imagePath  string
		mediaType  string
		projectCtx string
		projectID  string
		sessionID  string
		listOnly   bool
		commitIDs  string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON")
	flag.StringVar(&imagePath, "image", "", "Image file to extract tasks from")
	flag.StringVar(&mediaType, "media-type", "", "Media type override (detected from extension by default)")
	flag.StringVar(&projectCtx, "context", "", "Free-text project context for the extraction")
	flag.StringVar(&projectID, "project", "", "Project id attached to committed tasks")
	flag.StringVar(&sessionID, "session", "", "Existing session id (a new one is created when empty)")
	flag.BoolVar(&listOnly, "list", false, "List session messages instead of running an extraction")
	flag.StringVar(&commitIDs, "commit", "", "Comma-separated extracted-task ids to commit after extraction (or 'all')")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config failed: %v", err)
	}

	logger := newLogger(verbose)
	defer func() { _ = logger.Sync() }()

	pipe, cleanup, err := buildPipeline(cfg, logger)
	if err != nil {
		fatal("init pipeline failed: %v", err)
	}
	defer cleanup()

	ctx := context.Background()

	if listOnly {
		if sessionID == "" {
			fatal("-list requires -session")
		}
		if err := listMessages(ctx, pipe, sessionID); err != nil {
			fatal("list session failed: %v", err)
		}
		return
	}

	if imagePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fatal("read image failed: %v", err)
	}
	if mediaType == "" {
		mediaType = mediaTypeForExt(imagePath)
	}

	if sessionID == "" {
		sessionID, err = pipe.CreateSession(ctx, filepath.Base(imagePath))
		if err != nil {
			fatal("create session failed: %v", err)
		}
		fmt.Printf("session: %s\n", sessionID)
	}

	res, err := pipe.RunExtraction(ctx, sessionID, pipeline.ImageInput{Data: data, MediaType: mediaType}, projectCtx)
	if err != nil && !errors.Is(err, orchestrator.ErrStepBudgetExhausted) {
		fatal("extraction failed: %v", err)
	}

	fmt.Printf("outcome: %s (%d turns)\n", res.Outcome, res.Turns)
	if res.FinalText != "" {
		fmt.Println(res.FinalText)
	}
	if res.Analysis == nil {
		if res.Outcome == orchestrator.OutcomeStepBudgetExhausted {
			fmt.Println("no confirmed analysis; re-run extraction on the same session")
		}
		return
	}
	printAnalysis(res.Analysis)

	if commitIDs == "" {
		return
	}
	selected := selectIDs(res.Analysis, commitIDs)
	commit, err := pipe.CommitSelectedTasks(ctx, res.Analysis, selected, projectID, cfg.Defaults.Priority, cfg.Defaults.Hours)
	if err != nil && commit.Count == 0 {
		fatal("commit failed: %v", err)
	}
	fmt.Printf("committed %d task(s): %s\n", commit.Count, strings.Join(commit.TaskIDs, ", "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "partial commit: %v\n", err)
		os.Exit(1)
	}
}

func buildPipeline(cfg config.Config, logger *zap.Logger) (*pipeline.Pipeline, func(), error) {
	identity := localIdentity()

	threads, err := thread.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "threads.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open thread store: %w", err)
	}
	blobs, err := blob.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "blobs.db"))
	if err != nil {
		_ = threads.Close()
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}
	taskStore, err := taskstore.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "tasks.db"))
	if err != nil {
		_ = threads.Close()
		_ = blobs.Close()
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	cleanup := func() {
		_ = taskStore.Close()
		_ = blobs.Close()
		_ = threads.Close()
	}

	p := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		TimeoutMS:  cfg.Provider.TimeoutMS,
		MaxRetries: cfg.Provider.MaxRetries,
	})

	resolver := payload.NewResolver(blobs, logger)
	analyzer := vision.NewAnalyzer(p, logger)
	registry := tools.NewRegistry(
		tools.NewInspectImageTool(resolver, analyzer),
		tools.NewCreateTaskTool(taskStore, identity),
		tools.NewShareTaskTool(taskStore, identity),
	)
	orch := orchestrator.New(p, registry, threads, orchestrator.Options{
		MaxTurns:          cfg.Runtime.MaxTurns,
		ContextTokenLimit: cfg.Runtime.ContextTokenLimit,
		Logger:            logger,
	})

	pipe := pipeline.New(pipeline.Options{
		Identity:         identity,
		Threads:          threads,
		Blobs:            blobs,
		Orchestrator:     orch,
		Materializer:     materialize.New(taskStore, logger),
		Logger:           logger,
		InlineImageMaxKB: cfg.Limits.InlineImageMaxKB,
		DefaultPriority:  cfg.Defaults.Priority,
		DefaultHours:     cfg.Defaults.Hours,
	})
	return pipe, cleanup, nil
}

// localIdentity resolves the single local OS user as the caller principal.
func localIdentity() auth.Resolver {
	u, err := user.Current()
	if err != nil {
		return auth.None{}
	}
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return auth.Static{Principal: auth.Principal{ID: u.Username, Name: name}}
}

func listMessages(ctx context.Context, pipe *pipeline.Pipeline, sessionID string) error {
	cursor := -1
	for {
		out, err := pipe.ListSessionMessages(ctx, sessionID, cursor, 50, -1)
		if err != nil {
			return err
		}
		for _, msg := range out.Page.Messages {
			content := msg.Content
			if content == "" && len(msg.ToolCalls) > 0 {
				content = fmt.Sprintf("[tool call: %s]", msg.ToolCalls[0].Function.Name)
			}
			fmt.Printf("%-9s %s\n", msg.Role+":", content)
		}
		if !out.Page.HasMore {
			return nil
		}
		cursor = out.Page.NextCursor
	}
}

func printAnalysis(a *schema.AnalysisResult) {
	fmt.Printf("\nsummary: %s", a.Summary)
	if a.Confidence != nil {
		fmt.Printf(" (confidence %.2f)", *a.Confidence)
	}
	fmt.Println()
	for _, task := range a.Tasks {
		line := fmt.Sprintf("  [%s] %s (%s", task.ID, task.Title, task.Priority)
		if task.EstimatedHours != nil {
			line += fmt.Sprintf(", %gh", *task.EstimatedHours)
		}
		fmt.Println(line + ")")
	}
}

func selectIDs(a *schema.AnalysisResult, commitIDs string) []string {
	if strings.TrimSpace(commitIDs) == "all" {
		ids := make([]string, 0, len(a.Tasks))
		for _, task := range a.Tasks {
			ids = append(ids, task.ID)
		}
		return ids
	}
	var ids []string
	for _, id := range strings.Split(commitIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func mediaTypeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
