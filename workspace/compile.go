package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"forge/job"
)

const compileTimeout = 2 * time.Minute

// buildErrorRe matches "path/file.go:12:3: message" diagnostics.
var buildErrorRe = regexp.MustCompile(`^(.+\.go):(\d+)(?::\d+)?:\s*(.+)$`)

// CompileValidator materializes a candidate into a throwaway module and
// runs the Go toolchain against it. Languages without an installed
// toolchain pass the check; validator models still review them.
type CompileValidator struct {
	logger *zap.Logger
}

func NewCompileValidator(logger *zap.Logger) *CompileValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompileValidator{logger: logger}
}

// Check builds the candidate. It returns ok=false with one issue per
// diagnostic when the build fails, and an error only when the check
// itself could not run (missing toolchain, temp dir failure).
func (v *CompileValidator) Check(ctx context.Context, files []job.FileChange, language string) (bool, []job.Issue, error) {
	if !strings.EqualFold(language, "go") {
		return true, nil, nil
	}
	if len(files) == 0 {
		return true, nil, nil
	}

	goBin, err := exec.LookPath("go")
	if err != nil {
		return false, nil, fmt.Errorf("go toolchain not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "forge-compile-*")
	if err != nil {
		return false, nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, f := range files {
		if f.ChangeType == job.ChangeDelete {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return false, nil, fmt.Errorf("failed to create build subdirectory: %w", err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0644); err != nil {
			return false, nil, fmt.Errorf("failed to write build file: %w", err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err != nil {
		stub := "module candidate\n\ngo 1.24\n"
		if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(stub), 0644); err != nil {
			return false, nil, fmt.Errorf("failed to write go.mod: %w", err)
		}
	}

	buildCtx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, goBin, "build", "./...")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GOFLAGS=-mod=mod")
	output, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil, nil
	}
	if buildCtx.Err() != nil {
		return false, nil, fmt.Errorf("build timed out: %w", buildCtx.Err())
	}

	issues := parseBuildOutput(string(output))
	if len(issues) == 0 {
		issues = []job.Issue{{
			Severity: job.SeverityCritical,
			Kind:     "compile",
			Message:  strings.TrimSpace(string(output)),
		}}
	}

	v.logger.Debug("candidate failed to build", zap.Int("issues", len(issues)))
	return false, issues, nil
}

func parseBuildOutput(output string) []job.Issue {
	var issues []job.Issue
	for _, line := range strings.Split(output, "\n") {
		m := buildErrorRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		issues = append(issues, job.Issue{
			Severity:   job.SeverityCritical,
			Kind:       classifyBuildError(m[3]),
			Message:    m[3],
			FilePath:   filepath.ToSlash(m[1]),
			LineNumber: lineNo,
		})
	}
	return issues
}

// classifyBuildError buckets a compiler diagnostic so the escalator can
// derive stable error signatures.
func classifyBuildError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "undefined:") || strings.Contains(lower, "undeclared name"):
		return "compile_undefined"
	case strings.Contains(lower, "syntax error") || strings.Contains(lower, "expected"):
		return "compile_syntax"
	case strings.Contains(lower, "cannot use") || strings.Contains(lower, "cannot convert") || strings.Contains(lower, "mismatched types"):
		return "compile_type"
	case strings.Contains(lower, "imported and not used") || strings.Contains(lower, "no required module"):
		return "compile_import"
	case strings.Contains(lower, "arguments") || strings.Contains(lower, "return values"):
		return "compile_arity"
	default:
		return "compile"
	}
}
