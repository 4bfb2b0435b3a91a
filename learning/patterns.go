package learning

import (
	"sort"
	"strings"

	"forge/job"
)

// patternMarkers maps a pattern name to the code fragments that signal
// its presence in a candidate file.
var patternMarkers = map[string][]string{
	"dependency_injection":  {"addscoped", "addsingleton", "addtransient", "inject", "wire.build"},
	"repository":            {"repository", "irepository"},
	"async_await":           {"async ", "await ", "task<", "promise<"},
	"error_handling":        {"try {", "try\n", "catch", "if err != nil", "rescue"},
	"interface_abstraction": {"interface ", "implements ", "protocol "},
	"null_checks":           {"?? ", "?.", "is null", "== null", "!= null", "optional<"},
	"cancellation":          {"cancellationtoken", "ctx.done()", "context.context", "aborted"},
	"logging":               {"ilogger", "log.", "logger.", "zap."},
	"validation_attributes": {"[required]", "[range(", "validate(", "validator"},
	"unit_tests":            {"[fact]", "[test]", "func test", "describe(", "assert"},
}

// DetectPatterns scans candidate files for recognizable implementation
// patterns. Detection is intentionally coarse; the learner's statistics
// smooth out false positives over attempts.
func DetectPatterns(files []job.FileChange) []string {
	found := make(map[string]bool)
	for _, f := range files {
		content := strings.ToLower(f.Content)
		for name, markers := range patternMarkers {
			if found[name] {
				continue
			}
			for _, m := range markers {
				if strings.Contains(content, m) {
					found[name] = true
					break
				}
			}
		}
	}

	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
