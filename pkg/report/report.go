// Package report summarizes a batch of analysis results: label totals,
// per-rule finding counts for vulnerable and fixed samples, and how many
// sample pairs the analyzer told apart.
package report

import (
	"cmp"
	"slices"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
	"github.com/7MMA7/VulnDetectGA/pkg/workspace"
)

// LabelStats aggregates the results of one label.
type LabelStats struct {
	Records  int
	Failed   int
	Flagged  int
	Findings int
}

// RuleStats counts the findings of one rule per label.
type RuleStats struct {
	Rule       string
	Vulnerable int
	Fixed      int
}

// Delta is the vulnerable minus fixed finding count.
func (r RuleStats) Delta() int {
	return r.Vulnerable - r.Fixed
}

// PairStats classifies records that have both a vulnerable and a fixed result.
type PairStats struct {
	// Total pairs with both halves analyzed successfully.
	Total int
	// Discriminated pairs report a rule on the vulnerable half that the fixed half lacks.
	Discriminated int
	// Identical pairs report the same rule set on both halves.
	Identical int
}

// Stats is the batch summary.
type Stats struct {
	Labels     map[string]*LabelStats
	Severities map[scan.Severity]int
	Rules      []RuleStats
	Pairs      PairStats
	Results    int
}

// Compute builds Stats from results.
func Compute(results []dataset.Result) Stats {
	st := Stats{
		Labels: map[string]*LabelStats{
			workspace.LabelVulnerable: {},
			workspace.LabelFixed:      {},
		},
		Severities: make(map[scan.Severity]int),
		Results:    len(results),
	}

	rules := make(map[string]*RuleStats)
	ruleSets := make(map[int][2]map[string]bool)

	for _, res := range results {
		label := workspace.Label(res.Target)
		ls := st.Labels[label]
		ls.Records++

		if res.Failed() {
			ls.Failed++

			continue
		}

		ls.Findings += len(res.Issues)
		if len(res.Issues) > 0 {
			ls.Flagged++
		}

		set := make(map[string]bool, len(res.Issues))

		for _, is := range res.Issues {
			st.Severities[is.Severity]++
			set[is.Rule] = true

			rs, ok := rules[is.Rule]
			if !ok {
				rs = &RuleStats{Rule: is.Rule}
				rules[is.Rule] = rs
			}

			if res.Target == workspace.TargetVulnerable {
				rs.Vulnerable++
			} else {
				rs.Fixed++
			}
		}

		pair := ruleSets[res.Idx]
		pair[pairSlot(res.Target)] = set
		ruleSets[res.Idx] = pair
	}

	for _, pair := range ruleSets {
		vuln, fixed := pair[0], pair[1]
		if vuln == nil || fixed == nil {
			continue
		}

		st.Pairs.Total++

		switch {
		case hasExtra(vuln, fixed):
			st.Pairs.Discriminated++
		case sameKeys(vuln, fixed):
			st.Pairs.Identical++
		}
	}

	for _, rs := range rules {
		st.Rules = append(st.Rules, *rs)
	}

	slices.SortFunc(st.Rules, func(a, b RuleStats) int {
		return cmp.Or(
			cmp.Compare(b.Vulnerable+b.Fixed, a.Vulnerable+a.Fixed),
			cmp.Compare(a.Rule, b.Rule),
		)
	})

	return st
}

func pairSlot(target int) int {
	if target == workspace.TargetVulnerable {
		return 0
	}

	return 1
}

func hasExtra(a, b map[string]bool) bool {
	for k := range a {
		if !b[k] {
			return true
		}
	}

	return false
}

func sameKeys(a, b map[string]bool) bool {
	return len(a) == len(b) && !hasExtra(a, b)
}

// TopRules returns at most n rules, busiest first. n <= 0 returns all.
func (s Stats) TopRules(n int) []RuleStats {
	if n <= 0 || n >= len(s.Rules) {
		return s.Rules
	}

	return s.Rules[:n]
}
