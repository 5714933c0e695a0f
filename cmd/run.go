package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/arbiter"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/budget"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/config"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/llm"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/loop"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/memory"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/patch"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/pool"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/telemetry"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/toolchain"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/ui"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/vcs"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the repair loop against a repository",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("repo", "", "repository URL or path to clone before running")
	runCmd.Flags().String("branch", "", "branch to create for the fix")
	runCmd.Flags().Int("max-loops", 0, "override max iterations")
	runCmd.Flags().Int("workers", 0, "override builder workers per iteration")
	runCmd.Flags().Bool("worktrees", false, "isolate each worker in its own git worktree")
	runCmd.Flags().Bool("ci", false, "non-interactive mode: machine JSON on stdout, no prompts")
	runCmd.Flags().BoolP("interactive", "i", false, "confirm each patch at the gate and watch for focus files")
	runCmd.Flags().Bool("dry-run", false, "arbitrate patches but never apply them")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg := config.Load()
	applyFlagOverrides(cmd, &cfg)
	printer := ui.New()

	ctx, cancel := setupSignalContext(printer)
	defer cancel()

	workDir, err := resolveWorkDir(ctx, &cfg)
	if err != nil {
		return err
	}

	deps, err := buildDeps(ctx, &cfg, workDir, printer)
	if err != nil {
		return err
	}
	defer deps.close()

	if !cfg.CI {
		printer.Banner()
	}

	emitEvent(deps.emitter, telemetry.KindRunStart, "", map[string]any{"workDir": workDir})
	res, runErr := deps.controller.Run(ctx)
	emitEvent(deps.emitter, telemetry.KindRunDone, "", map[string]any{
		"success": res != nil && res.Success,
		"tokens":  deps.budget.TotalTokens(),
	})
	return report(&cfg, printer, deps, res, runErr)
}

// applyFlagOverrides applies CLI flag values to the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("repo"); v != "" {
		cfg.Repo = v
	}
	if v, _ := cmd.Flags().GetString("branch"); v != "" {
		cfg.Branch = v
	}
	if v, _ := cmd.Flags().GetInt("max-loops"); v > 0 {
		cfg.MaxLoops = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	if v, _ := cmd.Flags().GetBool("worktrees"); v {
		cfg.Worktrees = true
	}
	if v, _ := cmd.Flags().GetBool("ci"); v {
		cfg.CI = true
	}
	if v, _ := cmd.Flags().GetBool("interactive"); v {
		cfg.Interactive = true
	}
	if v, _ := cmd.Flags().GetBool("dry-run"); v {
		cfg.DryRun = true
	}
	if v, _ := cmd.Root().PersistentFlags().GetBool("debug"); v {
		cfg.Debug = true
	}
	// CI and interactive are mutually exclusive; CI wins so pipelines can
	// never hang on a prompt.
	if cfg.CI {
		cfg.Interactive = false
	}
}

// resolveWorkDir clones the configured repository when one is given,
// otherwise resolves the local working directory.
func resolveWorkDir(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Repo != "" {
		dest, err := os.MkdirTemp("", "forge-*")
		if err != nil {
			return "", fmt.Errorf("create clone directory: %w", err)
		}
		if err := vcs.Clone(ctx, cfg.Repo, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	dir := cfg.WorkDir
	if dir == "" || dir == "." {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return wd, nil
	}
	return filepath.Abs(dir)
}

// runDeps bundles everything a run needs, so teardown has one owner.
type runDeps struct {
	controller *loop.Controller
	budget     *budget.Guard
	emitter    *telemetry.Emitter
	store      *memory.Store
	watcher    *ui.FocusWatcher
}

func (d *runDeps) close() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = d.emitter.Close()
}

// buildDeps validates the checkout and wires the full dependency graph:
// git surface, toolchain, model backend, memory store, telemetry, worker
// pool, arbiter, and the iteration controller.
func buildDeps(ctx context.Context, cfg *config.Config, workDir string, printer *ui.Printer) (*runDeps, error) {
	git, err := vcs.New(workDir)
	if err != nil {
		return nil, err
	}
	if !git.IsRepo(ctx) {
		return nil, fmt.Errorf("%s is not a git repository", workDir)
	}
	// Run artifacts live untracked inside the checkout; a regression-triggered
	// reset must not clean them away mid-run.
	git.KeepUntracked = keepPatterns(cfg.MemoryPath, cfg.TelemetryPath, cfg.DebugDir)
	if cfg.Branch != "" {
		if err := git.CreateBranch(ctx, cfg.Branch); err != nil {
			// The branch may already exist from an earlier run; resume it.
			if err := git.Checkout(ctx, cfg.Branch); err != nil {
				return nil, err
			}
		}
	}

	tc, err := toolchain.Detect(workDir)
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return nil, err
	}

	guard := &budget.Guard{
		MaxTotalTokens: cfg.MaxTotalTokens,
		MaxCostGBP:     cfg.MaxCostGBP,
		Rates: budget.Pricing{
			PromptPer1K:     cfg.PromptRateGBP,
			CompletionPer1K: cfg.CompleteRateGBP,
		},
	}

	store, err := openStore(ctx, workDir, cfg.MemoryPath)
	if err != nil {
		return nil, err
	}

	emitter, err := openEmitter(workDir, cfg.TelemetryPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	debug := debugSink(cfg, workDir)
	builderPrompt, reviewerPrompt, judgePrompt := resolvePrompts(cfg)

	// Each worker root gets its own dispatcher and runtime so tool quotas
	// and file-relevance tracking stay per-attempt.
	newRuntime := func(root string) (*agent.Runtime, *tools.Dispatcher) {
		rootTC, err := toolchain.Detect(root)
		if err != nil {
			rootTC = tc
		}
		rootGit := &vcs.Git{Dir: root}
		disp := tools.New(root, rootTC, rootGit, &tools.GoAnalyzer{Root: root}, tools.NoSearcher{})
		return &agent.Runtime{
			Backend:   backend,
			Tools:     disp,
			Budget:    guard,
			Perms:     agent.DefaultPermissions(),
			Native:    cfg.NativeTools,
			Debug:     debug,
			Telemetry: emitter,
		}, disp
	}

	builderSystem := builderPrompt
	reviewerSystem := reviewerPrompt
	if !cfg.NativeTools {
		builderSystem += "\n\n" + agent.ToolProtocol
		reviewerSystem += "\n\n" + agent.ToolProtocol
	}

	work := func(ctx context.Context, root, hyp string) agent.Result {
		printer.WorkerStart(hyp)
		emitEvent(emitter, telemetry.KindWorkerStart, hyp, nil)
		rt, _ := newRuntime(root)
		res := rt.Run(ctx, agent.RoleBuilder, builderSystem, "Hypothesis: "+hyp)
		printer.WorkerDone(hyp, res.Kind.String())
		emitEvent(emitter, telemetry.KindWorkerDone, hyp, res.Kind.String())
		return res
	}

	var manager *worktree.Manager
	if cfg.Worktrees {
		manager = worktree.NewManager(git)
	}
	workers := &pool.Pool{
		Work:      work,
		Root:      workDir,
		Worktrees: manager,
		Timeout:   time.Duration(cfg.WorkerTimeoutSec) * time.Second,
	}

	sharedRT, _ := newRuntime(workDir)

	arb := &arbiter.Arbiter{
		Judge: func(ctx context.Context, prompt string) (string, error) {
			return sharedRT.RunText(ctx, agent.RoleJudge, judgePrompt, prompt)
		},
		Review: func(ctx context.Context, diff string) (string, error) {
			return sharedRT.RunText(ctx, agent.RoleReviewer, reviewerSystem,
				"Review this patch:\n\n"+diff)
		},
		Refine: func(ctx context.Context, diff string, issues []string) (agent.Result, error) {
			prompt := "The reviewer found issues with this patch:\n\n" + diff +
				"\n\nIssues:\n- " + strings.Join(issues, "\n- ") +
				"\n\nProduce a corrected unified diff."
			return sharedRT.Run(ctx, agent.RoleBuilder, builderSystem, prompt), nil
		},
	}

	var watcher *ui.FocusWatcher
	var focusCh <-chan string
	if cfg.Interactive {
		arb.Gate = &ui.InteractiveGate{In: os.Stdin, Printer: printer}
		watcher, err = ui.NewFocusWatcher(workDir)
		if err != nil {
			printer.Info(fmt.Sprintf("file watcher unavailable: %v", err))
		} else if err := watcher.Start(); err != nil {
			printer.Info(fmt.Sprintf("file watcher unavailable: %v", err))
			watcher = nil
		} else {
			focusCh = watcher.Focus
		}
	}

	finalContext := "No worker produced a valid patch this iteration."
	controller := &loop.Controller{
		Workspace: git,
		Toolchain: tc,
		Workers:   workers,
		Arbiter:   arb,
		Patcher:   &patch.Pipeline{Git: git},
		Memory:    store,
		Budget:    guard,
		Telemetry: emitter,
		ExplicitDiff: func(ctx context.Context) agent.Result {
			return sharedRT.Run(ctx, agent.RoleBuilder, builderSystem,
				finalContext+" Produce the final unified diff now, or "+agent.NoChanges+".")
		},
		FinalizeOnly: func(ctx context.Context) agent.Result {
			return sharedRT.Finalize(ctx, agent.RoleBuilder, builderPrompt, finalContext)
		},
		Status:     printer.Statusf,
		FocusCh:    focusCh,
		MaxLoops:   cfg.MaxLoops,
		MaxWorkers: cfg.Workers,
		DryRun:     cfg.DryRun,
	}

	return &runDeps{
		controller: controller,
		budget:     guard,
		emitter:    emitter,
		store:      store,
		watcher:    watcher,
	}, nil
}

// buildBackend constructs the model client, letting config override the base
// URL and model while the API key always comes from the environment.
func buildBackend(cfg *config.Config) (llm.Backend, error) {
	if cfg.Model == "" && cfg.APIBase == "" {
		return llm.NewOpenAIClient()
	}
	apiKey := os.Getenv("FORGE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("FORGE_API_KEY (or OPENAI_API_KEY) not set")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("FORGE_MODEL")
	}
	return llm.NewOpenAIClientWith(apiKey, cfg.APIBase, model, llm.DefaultRetry), nil
}

// keepPatterns turns the artifact paths into git-clean exclude patterns. A
// path under a directory keeps its whole top-level directory, so sidecar
// files (the SQLite WAL and SHM) survive resets; a bare filename keeps the
// file and its sidecars by prefix.
func keepPatterns(paths ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		pat := p + "*"
		if parts := strings.Split(filepath.ToSlash(filepath.Clean(p)), "/"); len(parts) > 1 {
			pat = parts[0]
		}
		if !seen[pat] {
			seen[pat] = true
			out = append(out, pat)
		}
	}
	return out
}

func openStore(ctx context.Context, workDir, path string) (*memory.Store, error) {
	full := filepath.Join(workDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}
	return memory.NewStore(ctx, full)
}

func openEmitter(workDir, path string) (*telemetry.Emitter, error) {
	if path == "" {
		return nil, nil
	}
	full := filepath.Join(workDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	return telemetry.NewEmitter(full)
}

// resolvePrompts returns the three role system prompts, preferring config
// overrides over the built-in defaults.
func resolvePrompts(cfg *config.Config) (builder, reviewer, judge string) {
	builder = agent.DefaultBuilderSystemPrompt
	if cfg.BuilderPrompt != "" {
		builder = cfg.BuilderPrompt
	}
	reviewer = agent.DefaultReviewerSystemPrompt
	if cfg.ReviewerPrompt != "" {
		reviewer = cfg.ReviewerPrompt
	}
	judge = agent.DefaultJudgeSystemPrompt
	if cfg.JudgePrompt != "" {
		judge = cfg.JudgePrompt
	}
	return builder, reviewer, judge
}

// debugSink returns a raw-artifact writer under the debug directory, or nil
// when debugging is off. Files are numbered in write order.
func debugSink(cfg *config.Config, workDir string) func(label, content string) {
	if !cfg.Debug {
		return nil
	}
	dir := filepath.Join(workDir, cfg.DebugDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	var seq atomic.Int64
	return func(label, content string) {
		n := seq.Add(1)
		name := fmt.Sprintf("%04d_%s.txt", n, sanitizeLabel(label))
		_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
	}
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, label)
}

func emitEvent(e *telemetry.Emitter, kind, worker string, data any) {
	_ = e.Emit(telemetry.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Worker:    worker,
		Data:      data,
	})
}

// report writes the run outcome: machine JSON on stdout in CI mode, human
// lines on stderr otherwise, and maps the result onto the process exit code.
func report(cfg *config.Config, printer *ui.Printer, deps *runDeps, res *loop.RunResult, runErr error) error {
	if cfg.CI {
		ci := ui.CIResult{
			TokensUsed: deps.budget.TotalTokens(),
			CostGBP:    deps.budget.Cost(),
		}
		if res != nil {
			ci.Success = res.Success
			ci.Iterations = res.Iterations
			ci.TestsFixed = res.TestsFixed
			ci.PatchSummary = res.PatchSummary
		}
		if err := ui.WriteCIResult(os.Stdout, ci); err != nil {
			return err
		}
	}

	switch {
	case runErr != nil && errors.Is(runErr, budget.ErrBudgetExceeded):
		printer.BudgetExceeded(deps.budget.TotalTokens(), deps.budget.Cost())
		return errRunFailed
	case runErr != nil && errors.Is(runErr, arbiter.ErrRunAborted):
		printer.Info("run aborted at the gate")
		return errRunFailed
	case runErr != nil:
		return runErr
	case res.Success:
		printer.Success(res.FinalSHA, res.Iterations)
		printer.Summary(res.Iterations, res.TestsFixed, deps.budget.TotalTokens(), deps.budget.Cost())
		return nil
	default:
		printer.MaxLoopsReached(res.Iterations)
		if res.Failure != "" {
			printer.Info(res.Failure)
		}
		printer.Summary(res.Iterations, res.TestsFixed, deps.budget.TotalTokens(), deps.budget.Cost())
		return errRunFailed
	}
}

// setupSignalContext returns a context that is canceled on SIGINT or SIGTERM.
func setupSignalContext(printer *ui.Printer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		printer.Info("shutting down...")
		cancel()
	}()
	return ctx, cancel
}
