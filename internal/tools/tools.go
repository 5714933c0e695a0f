// Package tools executes the fixed catalogue of repository-inspection and
// mutation operations on behalf of the agent runtime. Resource-bounded tools
// count invocations per session and return a "limit reached" sentinel instead
// of failing, so the model can adapt and decide to terminate.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
	"github.com/adam-wheater/Forge-Cli-sub000/internal/llm"
)

// LimitSentinel prefixes the result returned when a tool's per-session quota
// is exhausted. It is ordinary tool output, never an error.
const LimitSentinel = "limit reached"

// Quotas bounds the resource-hungry tools per session.
type Quotas struct {
	Searches     int
	FileOpens    int
	Writes       int
	TestRuns     int
	CoverageRuns int
}

// DefaultQuotas matches the budgets used in unattended runs.
func DefaultQuotas() Quotas {
	return Quotas{Searches: 8, FileOpens: 20, Writes: 5, TestRuns: 3, CoverageRuns: 2}
}

// TestReport is the structured outcome of one test run.
type TestReport struct {
	Passed   []string
	Failed   []TestFailure
	BuildOK  bool
	RawTail  string // tail of the toolchain output for context
	ExitCode int
}

// TestFailure describes one failing test with its message and trace.
type TestFailure struct {
	Name    string
	Message string
	Trace   string
}

// CoverageUnit reports per-unit coverage with uncovered line ranges.
type CoverageUnit struct {
	Path      string
	Percent   float64
	Uncovered []string // "start-end" line ranges
}

// Toolchain is the build/test surface the dispatcher shells out to.
type Toolchain interface {
	RunTests(ctx context.Context, filter string) (*TestReport, error)
	Coverage(ctx context.Context) ([]CoverageUnit, error)
	ListTests(ctx context.Context) ([]string, error)
}

// DiffViewer returns the current working-tree diff.
type DiffViewer interface {
	WorkingDiff(ctx context.Context) (string, error)
}

// Analyzer is the static-analysis collaborator: read-only symbol, interface,
// and dependency lookups.
type Analyzer interface {
	Symbols(ctx context.Context, path string) (string, error)
	Interface(ctx context.Context, name string) (string, error)
	Dependencies(ctx context.Context) (string, error)
}

// Searcher is the semantic-search collaborator.
type Searcher interface {
	Semantic(ctx context.Context, query string) (string, error)
}

// WritePolicy restricts write_file targets. A path must resolve inside the
// repository root, carry an allowed extension, and either sit under an
// allowed directory or be a test file by name.
type WritePolicy struct {
	AllowedExts []string
	AllowedDirs []string
}

// DefaultWritePolicy permits source files under test directories only.
func DefaultWritePolicy() WritePolicy {
	return WritePolicy{
		AllowedExts: []string{".go", ".cs", ".py", ".ts", ".js", ".java"},
		AllowedDirs: []string{"test", "tests", "Test", "Tests"},
	}
}

func (p WritePolicy) allows(rel string) bool {
	ext := filepath.Ext(rel)
	okExt := false
	for _, e := range p.AllowedExts {
		if ext == e {
			okExt = true
			break
		}
	}
	if !okExt {
		return false
	}
	base := filepath.Base(rel)
	if strings.Contains(base, "_test.") || strings.HasSuffix(strings.TrimSuffix(base, ext), "Tests") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, d := range p.AllowedDirs {
			if part == d {
				return true
			}
		}
	}
	return false
}

// Dispatcher executes catalogue tools against one repository checkout.
// It is safe for concurrent use by shared-workspace workers: reads are
// lock-free, writes and report state are serialized.
type Dispatcher struct {
	Root      string
	Quotas    Quotas
	Policy    WritePolicy
	Toolchain Toolchain
	Diff      DiffViewer
	Analysis  Analyzer
	Search    Searcher

	mu         sync.Mutex
	lastReport *TestReport
	relevance  map[string]int // opened-file counts, for later ranking
}

// New builds a dispatcher with default quotas and write policy.
func New(root string, tc Toolchain, diff DiffViewer, analysis Analyzer, search Searcher) *Dispatcher {
	return &Dispatcher{
		Root:      root,
		Quotas:    DefaultQuotas(),
		Policy:    DefaultWritePolicy(),
		Toolchain: tc,
		Diff:      diff,
		Analysis:  analysis,
		Search:    search,
		relevance: make(map[string]int),
	}
}

// RecentFiles returns opened paths ordered by how often the agents consulted
// them, most relevant first.
func (d *Dispatcher) RecentFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	paths := make([]string, 0, len(d.relevance))
	for p := range d.relevance {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		if d.relevance[paths[i]] != d.relevance[paths[j]] {
			return d.relevance[paths[i]] > d.relevance[paths[j]]
		}
		return paths[i] < paths[j]
	})
	return paths
}

// LastReport returns the most recent test report, or nil.
func (d *Dispatcher) LastReport() *TestReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReport
}

// Known reports whether the tool name exists in the catalogue.
func (d *Dispatcher) Known(tool string) bool {
	_, ok := catalogue[tool]
	return ok
}

// Defs returns the function-calling schema for the named tools.
func (d *Dispatcher) Defs(tools []string) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, name := range tools {
		if spec, ok := catalogue[name]; ok {
			defs = append(defs, llm.ToolDef{Name: name, Description: spec.description, Parameters: spec.schema})
		}
	}
	return defs
}

// overQuota increments the session counter for the tool and reports whether
// the configured quota is now exceeded. A zero quota means unlimited.
func (d *Dispatcher) overQuota(sess *agent.Session, tool string, quota int) bool {
	if quota <= 0 {
		return false
	}
	return sess.Count(tool) > quota
}

// Dispatch decodes the call's arguments into the tool's typed form and runs
// it. Unknown variants are rejected explicitly by the runtime before this is
// reached; a malformed argument blob is reported as tool output.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *agent.Session, call agent.RawCall) (string, error) {
	decoded, err := DecodeCall(call)
	if err != nil {
		return "", err
	}

	switch args := decoded.(type) {
	case SearchFiles:
		if d.overQuota(sess, call.Tool, d.Quotas.Searches) {
			return fmt.Sprintf("%s: no more searches in this session", LimitSentinel), nil
		}
		return d.searchFiles(args)
	case OpenFile:
		if d.overQuota(sess, call.Tool, d.Quotas.FileOpens) {
			return fmt.Sprintf("%s: no more file opens in this session", LimitSentinel), nil
		}
		return d.openFile(args)
	case ViewDiff:
		return d.Diff.WorkingDiff(ctx)
	case WriteFile:
		if d.overQuota(sess, call.Tool, d.Quotas.Writes) {
			return fmt.Sprintf("%s: no more writes in this session", LimitSentinel), nil
		}
		return d.writeFile(args)
	case RunTests:
		if d.overQuota(sess, call.Tool, d.Quotas.TestRuns) {
			return fmt.Sprintf("%s: no more test runs in this session", LimitSentinel), nil
		}
		return d.runTests(ctx, args)
	case LastTestReport:
		return d.formatLastReport(), nil
	case GetCoverage:
		if d.overQuota(sess, call.Tool, d.Quotas.CoverageRuns) {
			return fmt.Sprintf("%s: no more coverage runs in this session", LimitSentinel), nil
		}
		return d.coverage(ctx)
	case ListTests:
		names, err := d.Toolchain.ListTests(ctx)
		if err != nil {
			return "", err
		}
		return strings.Join(names, "\n"), nil
	case GetSymbols:
		return d.Analysis.Symbols(ctx, args.Path)
	case GetInterface:
		return d.Analysis.Interface(ctx, args.Name)
	case GetDependencies:
		return d.Analysis.Dependencies(ctx)
	case SemanticSearch:
		return d.Search.Semantic(ctx, args.Query)
	case ExplainError:
		return ExplainFailure(args.Message), nil
	default:
		return "", fmt.Errorf("tool %q has no executor", call.Tool)
	}
}

// maxOpenLines bounds a single open_file result.
const maxOpenLines = 400

func (d *Dispatcher) openFile(args OpenFile) (string, error) {
	abs, rel, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}

	d.mu.Lock()
	d.relevance[rel]++
	d.mu.Unlock()

	lines := strings.Split(string(data), "\n")
	limit := args.MaxLines
	if limit <= 0 || limit > maxOpenLines {
		limit = maxOpenLines
	}
	if len(lines) > limit {
		lines = lines[:limit]
		return strings.Join(lines, "\n") + fmt.Sprintf("\n... [truncated at %d lines]", limit), nil
	}
	return string(data), nil
}

func (d *Dispatcher) searchFiles(args SearchFiles) (string, error) {
	if strings.TrimSpace(args.Pattern) == "" {
		return "", fmt.Errorf("search_files: empty pattern")
	}

	var b strings.Builder
	matches := 0
	err := filepath.WalkDir(d.Root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || matches >= 50 {
			return filepath.SkipAll
		}
		name := entry.Name()
		if entry.IsDir() {
			if name == ".git" || name == "node_modules" || name == "bin" || name == "obj" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(d.Root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, args.Pattern) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				matches++
				if matches >= 50 {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if matches == 0 {
		return "no matches for " + args.Pattern, nil
	}
	return b.String(), nil
}

func (d *Dispatcher) writeFile(args WriteFile) (string, error) {
	abs, rel, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if !d.Policy.allows(rel) {
		return "", fmt.Errorf("write_file: %s violates the write policy (test sources only)", rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), rel), nil
}

// resolve confines a user-supplied path to the repository root.
func (d *Dispatcher) resolve(path string) (abs, rel string, err error) {
	abs = filepath.Join(d.Root, filepath.FromSlash(path))
	abs = filepath.Clean(abs)
	rel, err = filepath.Rel(d.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes the repository root", path)
	}
	return abs, rel, nil
}

func (d *Dispatcher) runTests(ctx context.Context, args RunTests) (string, error) {
	report, err := d.Toolchain.RunTests(ctx, args.Filter)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.lastReport = report
	d.mu.Unlock()
	return FormatReport(report), nil
}

func (d *Dispatcher) formatLastReport() string {
	d.mu.Lock()
	report := d.lastReport
	d.mu.Unlock()
	if report == nil {
		return "no test run recorded in this session"
	}
	return FormatReport(report)
}

func (d *Dispatcher) coverage(ctx context.Context) (string, error) {
	units, err := d.Toolchain.Coverage(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, u := range units {
		fmt.Fprintf(&b, "%s: %.1f%%", u.Path, u.Percent)
		if len(u.Uncovered) > 0 {
			fmt.Fprintf(&b, " uncovered lines %s", strings.Join(u.Uncovered, ","))
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "no coverage data", nil
	}
	return b.String(), nil
}

// FormatReport renders a test report as tool output.
func FormatReport(r *TestReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "passed: %d, failed: %d\n", len(r.Passed), len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "FAIL %s: %s\n", f.Name, f.Message)
		if f.Trace != "" {
			b.WriteString(indent(f.Trace))
		}
	}
	if len(r.Failed) == 0 && r.RawTail != "" {
		b.WriteString(r.RawTail)
	}
	return strings.TrimRight(b.String(), "\n")
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = "    " + lines[i]
	}
	return strings.Join(lines, "\n") + "\n"
}

// jsonSchema is a helper for building tool parameter schemas.
func jsonSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
