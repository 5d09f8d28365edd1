package report

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/7MMA7/VulnDetectGA/pkg/scan"
	"github.com/7MMA7/VulnDetectGA/pkg/workspace"
)

const percent = 100

var severityOrder = []scan.Severity{
	scan.SeverityBlocker,
	scan.SeverityCritical,
	scan.SeverityMajor,
	scan.SeverityMinor,
	scan.SeverityInfo,
}

// TextOptions tune RenderText.
type TextOptions struct {
	// MaxRules limits the rule table. Zero shows every rule.
	MaxRules int
	// NoColor disables ANSI colors.
	NoColor bool
}

// RenderText writes the summary tables to w.
func RenderText(w io.Writer, st Stats, o TextOptions) error {
	heading := color.New(color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	if o.NoColor {
		heading.DisableColor()
		good.DisableColor()
		bad.DisableColor()
	}

	_, err := heading.Fprintf(w, "%s results\n", humanize.Comma(int64(st.Results)))
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	labels := newTable()
	labels.AppendHeader(table.Row{"Label", "Records", "Failed", "Flagged", "Findings"})

	for _, name := range []string{workspace.LabelVulnerable, workspace.LabelFixed} {
		ls := st.Labels[name]
		labels.AppendRow(table.Row{
			name,
			humanize.Comma(int64(ls.Records)),
			humanize.Comma(int64(ls.Failed)),
			humanize.Comma(int64(ls.Flagged)),
			humanize.Comma(int64(ls.Findings)),
		})
	}

	severities := newTable()
	severities.AppendHeader(table.Row{"Severity", "Findings"})

	for _, sev := range orderedSeverities(st.Severities) {
		severities.AppendRow(table.Row{string(sev), humanize.Comma(int64(st.Severities[sev]))})
	}

	rules := newTable()
	rules.AppendHeader(table.Row{"Rule", "Vuln", "Fixed", "Delta"})
	rules.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})

	top := st.TopRules(o.MaxRules)
	for _, rs := range top {
		rules.AppendRow(table.Row{rs.Rule, rs.Vulnerable, rs.Fixed, fmt.Sprintf("%+d", rs.Delta())})
	}

	if len(top) < len(st.Rules) {
		rules.AppendFooter(table.Row{fmt.Sprintf("%d more rules", len(st.Rules)-len(top))})
	}

	_, err = fmt.Fprintf(w, "\n%s\n\n%s\n\n%s\n\n", labels.Render(), severities.Render(), rules.Render())
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	pairs := st.Pairs
	if pairs.Total == 0 {
		_, err = fmt.Fprintln(w, "No complete vulnerable/fixed pairs.")
	} else {
		rate := float64(pairs.Discriminated) / float64(pairs.Total) * percent
		line := good
		if pairs.Discriminated == 0 {
			line = bad
		}

		_, err = line.Fprintf(w, "Pairs told apart: %d of %d (%s%%), identical findings: %d\n",
			pairs.Discriminated, pairs.Total, humanize.FtoaWithDigits(rate, 1), pairs.Identical)
	}

	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return nil
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Format.Footer = text.FormatDefault

	return tbl
}

func orderedSeverities(counts map[scan.Severity]int) []scan.Severity {
	out := make([]scan.Severity, 0, len(counts))

	for _, sev := range severityOrder {
		if counts[sev] > 0 {
			out = append(out, sev)
		}
	}

	var extra []scan.Severity

	for sev, n := range counts {
		if n > 0 && !slices.Contains(severityOrder, sev) {
			extra = append(extra, sev)
		}
	}

	slices.Sort(extra)

	return append(out, extra...)
}
