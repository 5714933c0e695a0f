package toolchain

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/tools"
)

var (
	goPassRe     = regexp.MustCompile(`^--- PASS: (\S+)`)
	goFailRe     = regexp.MustCompile(`^--- FAIL: (\S+)`)
	goCoverRe    = regexp.MustCompile(`^(ok|FAIL)\s+(\S+).*coverage: ([0-9.]+)% of statements`)
	dotnetPassRe = regexp.MustCompile(`^\s*(?:Passed|√)\s+(\S+)`)
	dotnetFailRe = regexp.MustCompile(`^\s*(?:Failed|X)\s+(\S+)`)
	pytestLineRe = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|ERROR)`)
)

// parseTestOutput extracts structured pass/fail results from the toolchain's
// console output. Unparseable toolchains (node) yield only the raw tail.
func parseTestOutput(kind Kind, output string) *tools.TestReport {
	report := &tools.TestReport{}
	lines := strings.Split(output, "\n")

	switch kind {
	case KindGo:
		for i, line := range lines {
			if m := goPassRe.FindStringSubmatch(line); m != nil {
				report.Passed = append(report.Passed, m[1])
			}
			if m := goFailRe.FindStringSubmatch(line); m != nil {
				report.Failed = append(report.Failed, tools.TestFailure{
					Name:    m[1],
					Message: failureMessage(lines, i),
					Trace:   failureBlock(lines, i),
				})
			}
		}
	case KindDotnet:
		for i, line := range lines {
			if m := dotnetPassRe.FindStringSubmatch(line); m != nil {
				report.Passed = append(report.Passed, m[1])
			}
			if m := dotnetFailRe.FindStringSubmatch(line); m != nil {
				report.Failed = append(report.Failed, tools.TestFailure{
					Name:    m[1],
					Message: failureMessage(lines, i),
					Trace:   failureBlock(lines, i),
				})
			}
		}
	case KindPython:
		for _, line := range lines {
			if m := pytestLineRe.FindStringSubmatch(line); m != nil {
				if m[2] == "PASSED" {
					report.Passed = append(report.Passed, m[1])
				} else {
					report.Failed = append(report.Failed, tools.TestFailure{Name: m[1]})
				}
			}
		}
	}
	return report
}

// failureMessage returns the first non-empty line following a failure
// header, which is usually the assertion message.
func failureMessage(lines []string, start int) string {
	for i := start + 1; i < len(lines) && i < start+6; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" && !strings.HasPrefix(trimmed, "---") {
			return trimmed
		}
	}
	return ""
}

// failureBlock captures the indented block after a failure header as the
// stack trace.
func failureBlock(lines []string, start int) string {
	var b strings.Builder
	for i := start + 1; i < len(lines) && i < start+20; i++ {
		if strings.HasPrefix(lines[i], "--- ") || strings.HasPrefix(lines[i], "=== ") {
			break
		}
		if strings.TrimSpace(lines[i]) == "" {
			break
		}
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseCoverage(kind Kind, output string) []tools.CoverageUnit {
	if kind != KindGo {
		return nil
	}
	var units []tools.CoverageUnit
	for _, line := range strings.Split(output, "\n") {
		if m := goCoverRe.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.ParseFloat(m[3], 64)
			units = append(units, tools.CoverageUnit{Path: m[2], Percent: pct})
		}
	}
	return units
}

func parseTestList(kind Kind, output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch kind {
		case KindGo:
			// `go test -list` prints test names unindented, one per line,
			// plus "ok <pkg>" trailers.
			if strings.HasPrefix(trimmed, "Test") || strings.HasPrefix(trimmed, "Benchmark") || strings.HasPrefix(trimmed, "Example") {
				names = append(names, trimmed)
			}
		case KindDotnet:
			if trimmed != "" && !strings.Contains(trimmed, " ") && strings.Contains(trimmed, ".") {
				names = append(names, trimmed)
			}
		case KindPython:
			if strings.Contains(trimmed, "::") {
				names = append(names, trimmed)
			}
		}
	}
	return names
}
