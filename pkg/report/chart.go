package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const (
	chartWidth      = "1200px"
	chartHeight     = "560px"
	xAxisRotate     = 45
	defaultMaxRules = 25

	colorVulnerable = "#ee6666"
	colorFixed      = "#91cc75"
)

// RenderHTML writes a standalone page with the per-rule differential bar chart
// and the severity breakdown. maxRules <= 0 uses the default of 25 rules.
func RenderHTML(w io.Writer, st Stats, maxRules int) error {
	if maxRules <= 0 {
		maxRules = defaultMaxRules
	}

	page := components.NewPage()
	page.PageTitle = "vulndetect report"
	page.AddCharts(ruleChart(st, maxRules), severityChart(st))

	err := page.Render(w)
	if err != nil {
		return fmt.Errorf("render html report: %w", err)
	}

	return nil
}

func ruleChart(st Stats, maxRules int) *charts.Bar {
	bar := charts.NewBar()

	subtitle := fmt.Sprintf("%d pairs, %d told apart", st.Pairs.Total, st.Pairs.Discriminated)
	if len(st.Rules) == 0 {
		subtitle = "No findings"
	}

	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Findings per rule: vulnerable vs fixed",
			Subtitle: subtitle,
			Left:     "center",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "8%", Left: "center"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Rotate: xAxisRotate}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Findings"}),
		charts.WithGridOpts(opts.Grid{Top: "18%", Bottom: "25%", ContainLabel: opts.Bool(true)}),
	)

	top := st.TopRules(maxRules)
	labels := make([]string, len(top))
	vuln := make([]opts.BarData, len(top))
	fixed := make([]opts.BarData, len(top))

	for i, rs := range top {
		labels[i] = rs.Rule
		vuln[i] = opts.BarData{Value: rs.Vulnerable}
		fixed[i] = opts.BarData{Value: rs.Fixed}
	}

	bar.SetXAxis(labels).
		AddSeries("vulnerable", vuln, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorVulnerable})).
		AddSeries("fixed", fixed, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorFixed}))

	return bar
}

func severityChart(st Stats) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Findings by severity", Left: "center"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "8%", Left: "center"}),
	)

	sevs := orderedSeverities(st.Severities)
	data := make([]opts.PieData, 0, len(sevs))

	for _, sev := range sevs {
		data = append(data, opts.PieData{Name: string(sev), Value: st.Severities[sev]})
	}

	pie.AddSeries("severity", data)

	return pie
}
