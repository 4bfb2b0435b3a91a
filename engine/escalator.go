// Package engine contains the per-job retry loop and its supporting
// decision logic: model escalation, scaffolding, prompt assembly, and
// model-output parsing.
package engine

import (
	"sort"
	"strings"

	"forge/config"
	"forge/job"
)

// attemptsPerTier is how many attempts each ladder tier serves before
// escalation.
const attemptsPerTier = 2

// signatureKeys are the issue-text substrings that form error
// signatures, checked in this order.
var signatureKeys = []string{"null", "async", "injection", "cancellation", "compile"}

// Signature derives a stable failure signature from an attempt's
// issues. Issues matching none of the known keys collapse to
// "unclassified".
func Signature(issues []job.Issue) string {
	found := make(map[string]bool)
	for _, issue := range issues {
		text := strings.ToLower(issue.Kind + " " + issue.Message)
		for _, key := range signatureKeys {
			if strings.Contains(text, key) {
				found[key] = true
			}
		}
	}

	var parts []string
	for _, key := range signatureKeys {
		if found[key] {
			parts = append(parts, key)
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "unclassified"
	}
	return strings.Join(parts, "|")
}

// Escalator walks the model ladder as attempts fail. One instance
// serves one job run; it remembers which signatures failed at which
// tier so a stuck signature escalates early and never revisits a tier
// it already failed at.
type Escalator struct {
	ladder        []config.LadderTier
	costCeiling   int // Highest usable tier index; <0 means unlimited
	lastSignature string
	tierFailures  map[int]map[string]int
}

func NewEscalator(ladder []config.LadderTier, allowPaid bool) *Escalator {
	ceiling := -1
	if !allowPaid {
		for i, tier := range ladder {
			if tier.Paid {
				ceiling = i - 1
				break
			}
		}
	}
	return &Escalator{
		ladder:       ladder,
		costCeiling:  ceiling,
		tierFailures: make(map[int]map[string]int),
	}
}

// Observe records a failed attempt's issues against the tier that
// produced them.
func (e *Escalator) Observe(attemptIndex int, issues []job.Issue) {
	sig := Signature(issues)
	e.lastSignature = sig
	tier := e.clampTier(baseTier(attemptIndex))
	if e.tierFailures[tier] == nil {
		e.tierFailures[tier] = make(map[string]int)
	}
	e.tierFailures[tier][sig]++
}

// Select returns the generation model for an attempt. The base tier
// advances every two attempts; a tier that has already failed twice
// with the current signature is passed over, which both jumps a stuck
// tier early and skips it if the walk ever lands on it again.
func (e *Escalator) Select(attemptIndex int) (model string, tier int) {
	tier = e.clampTier(baseTier(attemptIndex))

	if e.lastSignature != "" {
		for tier < e.maxTier() && e.tierFailures[tier][e.lastSignature] >= 2 {
			tier++
		}
	}

	return e.ladder[tier].Model, tier
}

func baseTier(attemptIndex int) int {
	if attemptIndex < 1 {
		attemptIndex = 1
	}
	return (attemptIndex - 1) / attemptsPerTier
}

func (e *Escalator) maxTier() int {
	max := len(e.ladder) - 1
	if e.costCeiling >= 0 && e.costCeiling < max {
		return e.costCeiling
	}
	return max
}

func (e *Escalator) clampTier(tier int) int {
	if max := e.maxTier(); tier > max {
		return max
	}
	if tier < 0 {
		return 0
	}
	return tier
}
