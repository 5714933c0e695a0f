// Package toolchain selects and runs the target project's build and test
// commands. The project type is detected once at startup from the checkout;
// a forge.toml at the repository root can override the commands entirely.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
)

// Kind identifies a supported project toolchain.
type Kind string

// The detectable project kinds; "custom" covers forge.toml overrides.
const (
	KindGo     Kind = "go"
	KindDotnet Kind = "dotnet"
	KindNode   Kind = "node"
	KindPython Kind = "python"
)

// commandTimeout bounds any single build or test subprocess.
const commandTimeout = 10 * time.Minute

// Override is the forge.toml shape for projects whose commands cannot be
// inferred.
type Override struct {
	Toolchain struct {
		Build     []string `toml:"build"`
		Test      []string `toml:"test"`
		ListTests []string `toml:"list_tests"`
		Coverage  []string `toml:"coverage"`
	} `toml:"toolchain"`
}

// Toolchain runs the selected project commands from the repository root.
type Toolchain struct {
	Root string
	Kind Kind

	buildCmd    []string
	testCmd     []string
	listCmd     []string
	coverageCmd []string
}

// Detect inspects the checkout and selects the toolchain. A forge.toml
// override wins over detection; an unrecognizable project is a setup error.
func Detect(root string) (*Toolchain, error) {
	tc := &Toolchain{Root: root}

	if data, err := os.ReadFile(filepath.Join(root, "forge.toml")); err == nil {
		var ov Override
		if err := toml.Unmarshal(data, &ov); err != nil {
			return nil, fmt.Errorf("parse forge.toml: %w", err)
		}
		if len(ov.Toolchain.Test) > 0 {
			tc.Kind = "custom"
			tc.buildCmd = ov.Toolchain.Build
			tc.testCmd = ov.Toolchain.Test
			tc.listCmd = ov.Toolchain.ListTests
			tc.coverageCmd = ov.Toolchain.Coverage
			return tc, nil
		}
	}

	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(root, name))
		return err == nil
	}
	hasGlob := func(pattern string) bool {
		matches, _ := filepath.Glob(filepath.Join(root, pattern))
		return len(matches) > 0
	}

	switch {
	case exists("go.mod"):
		tc.Kind = KindGo
		tc.buildCmd = []string{"go", "build", "./..."}
		tc.testCmd = []string{"go", "test", "-v", "./..."}
		tc.listCmd = []string{"go", "test", "-list", ".*", "./..."}
		tc.coverageCmd = []string{"go", "test", "-cover", "./..."}
	case hasGlob("*.sln") || hasGlob("*.csproj") || hasGlob("*/*.csproj"):
		tc.Kind = KindDotnet
		tc.buildCmd = []string{"dotnet", "build", "--nologo"}
		tc.testCmd = []string{"dotnet", "test", "--nologo", "--verbosity", "normal"}
		tc.listCmd = []string{"dotnet", "test", "--nologo", "--list-tests"}
	case exists("package.json"):
		tc.Kind = KindNode
		tc.buildCmd = []string{"npm", "run", "build", "--if-present"}
		tc.testCmd = []string{"npm", "test", "--silent"}
	case exists("pyproject.toml") || exists("setup.py") || exists("requirements.txt"):
		tc.Kind = KindPython
		tc.testCmd = []string{"python", "-m", "pytest", "-v"}
		tc.listCmd = []string{"python", "-m", "pytest", "--collect-only", "-q"}
	default:
		return nil, fmt.Errorf("no recognizable toolchain at %s (add a forge.toml)", root)
	}
	return tc, nil
}

// CommandResult captures one subprocess run.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r CommandResult) OK() bool { return r.ExitCode == 0 }

func (t *Toolchain) exec(ctx context.Context, argv []string) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, fmt.Errorf("toolchain: no command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

// Build runs the build command. Toolchains without a separate build step
// (python) report success.
func (t *Toolchain) Build(ctx context.Context) (CommandResult, error) {
	if len(t.buildCmd) == 0 {
		return CommandResult{}, nil
	}
	return t.exec(ctx, t.buildCmd)
}

// RunTests runs the test command, optionally filtered, and parses the output
// into a structured report.
func (t *Toolchain) RunTests(ctx context.Context, filter string) (*tools.TestReport, error) {
	argv := append([]string(nil), t.testCmd...)
	if filter != "" {
		argv = append(argv, t.filterArgs(filter)...)
	}

	res, err := t.exec(ctx, argv)
	if err != nil {
		return nil, err
	}

	report := parseTestOutput(t.Kind, res.Stdout+"\n"+res.Stderr)
	report.ExitCode = res.ExitCode
	report.BuildOK = res.ExitCode == 0 || len(report.Failed) > 0 // non-zero exit with parsed failures is a test failure, not a build failure
	report.RawTail = tail(res.Stdout+res.Stderr, 2000)
	return report, nil
}

func (t *Toolchain) filterArgs(filter string) []string {
	switch t.Kind {
	case KindGo:
		return []string{"-run", filter}
	case KindDotnet:
		return []string{"--filter", filter}
	case KindPython:
		return []string{"-k", filter}
	default:
		return nil
	}
}

// Coverage runs the coverage command and parses per-unit figures. Toolchains
// without coverage support return an empty slice.
func (t *Toolchain) Coverage(ctx context.Context) ([]tools.CoverageUnit, error) {
	if len(t.coverageCmd) == 0 {
		return nil, nil
	}
	res, err := t.exec(ctx, t.coverageCmd)
	if err != nil {
		return nil, err
	}
	return parseCoverage(t.Kind, res.Stdout), nil
}

// ListTests lists the test identifiers the toolchain knows about.
func (t *Toolchain) ListTests(ctx context.Context) ([]string, error) {
	if len(t.listCmd) == 0 {
		return nil, nil
	}
	res, err := t.exec(ctx, t.listCmd)
	if err != nil {
		return nil, err
	}
	return parseTestList(t.Kind, res.Stdout), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
