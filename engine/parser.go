package engine

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"forge/job"
)

// Generation models answer with one block per file:
//
//	FILE: relative/path.go (add)
//	```go
//	<content>
//	```
//
// Deletes carry no code fence. Anything outside the blocks is ignored.
var fileHeaderRe = regexp.MustCompile(`(?i)^FILE:\s*(\S+)(?:\s*\((add|modify|delete)\))?\s*$`)

// ParseFileChanges extracts the candidate file set from raw model
// output. It fails when the output contains no well-formed file block;
// the retry loop injects that failure into the next attempt's guidance.
func ParseFileChanges(raw string) ([]job.FileChange, error) {
	lines := strings.Split(raw, "\n")
	var changes []job.FileChange

	for i := 0; i < len(lines); i++ {
		m := fileHeaderRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			continue
		}

		relPath, err := normalizePath(m[1])
		if err != nil {
			return nil, err
		}
		changeType := job.ChangeType(strings.ToLower(m[2]))
		if changeType == "" {
			changeType = job.ChangeAdd
		}

		if changeType == job.ChangeDelete {
			changes = append(changes, job.FileChange{Path: relPath, ChangeType: job.ChangeDelete})
			continue
		}

		content, next, ok := readFence(lines, i+1)
		if !ok {
			return nil, fmt.Errorf("file block for %s has no code fence", relPath)
		}
		i = next
		changes = append(changes, job.FileChange{
			Path:       relPath,
			Content:    content,
			ChangeType: changeType,
		})
	}

	if len(changes) == 0 {
		return nil, fmt.Errorf("no file blocks found in model output")
	}
	return changes, nil
}

// readFence consumes a ``` fenced block starting at or after lines[from].
func readFence(lines []string, from int) (content string, last int, ok bool) {
	i := from
	// The fence must open within a couple of lines of the header
	for ; i < len(lines) && i < from+3; i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			break
		}
	}
	if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
		return "", from, false
	}

	var body []string
	for i++; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.Join(body, "\n"), i, true
		}
		body = append(body, lines[i])
	}
	return "", from, false
}

// normalizePath forces forward slashes and rejects paths that escape
// the workspace.
func normalizePath(p string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("file path escapes workspace: %s", p)
	}
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty file path")
	}
	return cleaned, nil
}

// MergeFiles overlays candidate changes onto the accumulated file set.
// Adds and modifies replace by path; deletes remove.
func MergeFiles(existing, candidate []job.FileChange) []job.FileChange {
	byPath := make(map[string]int, len(existing))
	merged := make([]job.FileChange, len(existing))
	copy(merged, existing)
	for i, f := range merged {
		byPath[f.Path] = i
	}

	for _, f := range candidate {
		if f.ChangeType == job.ChangeDelete {
			if i, ok := byPath[f.Path]; ok {
				merged = append(merged[:i], merged[i+1:]...)
				delete(byPath, f.Path)
				for j := i; j < len(merged); j++ {
					byPath[merged[j].Path] = j
				}
			}
			continue
		}
		if i, ok := byPath[f.Path]; ok {
			merged[i] = f
		} else {
			byPath[f.Path] = len(merged)
			merged = append(merged, f)
		}
	}
	return merged
}
