// Package workspace holds the filesystem-facing collaborators: codebase
// introspection, project scaffolding, and the execution-based compile
// check.
package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Summary is a shallow view of a workspace.
type Summary struct {
	FileCount         int      `json:"fileCount"`
	TopDirectories    []string `json:"topDirectories"`
	DetectedLanguages []string `json:"detectedLanguages"`
	HasSourceFiles    bool     `json:"hasSourceFiles"`
}

// sourceLanguages maps source-file glob patterns to a language label.
var sourceLanguages = map[string]string{
	"**/*.go":    "go",
	"**/*.cs":    "csharp",
	"**/*.razor": "csharp",
	"**/*.py":    "python",
	"**/*.js":    "javascript",
	"**/*.ts":    "typescript",
	"**/*.java":  "java",
	"**/*.rs":    "rust",
	"**/*.rb":    "ruby",
}

// Directories that never count as project source.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"bin":          true,
	"obj":          true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
}

// Inspector summarizes a workspace without modifying it.
type Inspector struct {
	logger *zap.Logger
}

func NewInspector(logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{logger: logger}
}

// Summarize walks the workspace and reports file count, top-level
// directories, and detected source languages. A missing workspace
// directory summarizes as empty rather than failing: the scaffolder
// treats both the same way.
func (in *Inspector) Summarize(ctx context.Context, workspacePath string) (*Summary, error) {
	summary := &Summary{}

	info, err := os.Stat(workspacePath)
	if err != nil || !info.IsDir() {
		return summary, nil
	}

	fsys := os.DirFS(workspacePath)

	langs := make(map[string]bool)
	for pattern, lang := range sourceLanguages {
		if langs[lang] {
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !underIgnoredDir(m) {
				langs[lang] = true
				summary.HasSourceFiles = true
				break
			}
		}
	}
	for lang := range langs {
		summary.DetectedLanguages = append(summary.DetectedLanguages, lang)
	}
	sort.Strings(summary.DetectedLanguages)

	err = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return fs.SkipDir
			}
			if path != "." && !strings.Contains(path, "/") {
				summary.TopDirectories = append(summary.TopDirectories, path)
			}
			return nil
		}
		summary.FileCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(summary.TopDirectories)
	return summary, nil
}

func underIgnoredDir(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}
