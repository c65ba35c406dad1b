package lens

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"strings"
	"time"

	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v2"
)

// FindingsReport is the serializable wrapper around a run result.
type FindingsReport struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	RunID       string    `json:"run_id" yaml:"run_id"`
	RunResult   `yaml:",inline"`
}

// NewFindingsReport stamps a run result for rendering.
func NewFindingsReport(runID string, result *RunResult) *FindingsReport {
	return &FindingsReport{
		GeneratedAt: time.Now().UTC(),
		RunID:       runID,
		RunResult:   *result,
	}
}

// WriteFindingsReport renders the report in the requested format.
// Sources may be nil; when present the Markdown renderer includes a
// unified diff between the representative and each redundant test.
func WriteFindingsReport(path, format string, report *FindingsReport, sources map[string]string) error {
	var rendered []byte
	var err error
	switch format {
	case FormatJSON:
		rendered, err = json.MarshalIndent(report, "", "  ")
	case FormatYAML:
		rendered, err = yaml.Marshal(report)
	case FormatMarkdown:
		rendered, err = renderMarkdown(report, sources)
	case FormatHTML:
		rendered, err = renderHTML(report)
	default:
		return fmt.Errorf("unhandled report format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("render %s report failed: %w", format, err)
	}
	if err := os.WriteFile(path, rendered, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// LoadFindingsReport reads back a JSON report, allowing re-rendering into
// other formats without re-running the engine.
func LoadFindingsReport(path string) (*FindingsReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report file failed: %w", err)
	}
	var report FindingsReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("parse report file failed: %w", err)
	}
	return &report, nil
}

func renderMarkdown(report *FindingsReport, sources map[string]string) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Test Redundancy Report\n\n")
	fmt.Fprintf(&sb, "Run `%s`, generated %s.\n\n", report.RunID, report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Total tests | %d |\n", report.Metrics.TotalTests)
	fmt.Fprintf(&sb, "| Clusters found | %d |\n", report.Metrics.ClustersFound)
	fmt.Fprintf(&sb, "| Redundancy findings | %d |\n", report.Metrics.RedundancyFindings)
	fmt.Fprintf(&sb, "| Redundant tests | %d |\n", report.Metrics.RedundantTests)
	fmt.Fprintf(&sb, "| Reduction | %.2f%% |\n\n", report.Metrics.ReductionPercentage)

	for i, finding := range report.Findings {
		fmt.Fprintf(&sb, "## Finding %d: cluster %d (%s)\n\n", i+1, finding.ClusterID, finding.Priority)
		fmt.Fprintf(&sb, "%s\n\n", finding.Recommendation)
		fmt.Fprintf(&sb, "- Action: **%s** (priority score %.1f)\n", finding.Action, finding.NumericPriority)
		fmt.Fprintf(&sb, "- Representative: `%s`\n", finding.RepresentativeTestID)
		fmt.Fprintf(&sb, "- Redundant: `%s`\n", strings.Join(finding.RedundantTestIDs, "`, `"))
		fmt.Fprintf(&sb, "- Redundancy score: %.3f, coverage overlap %.1f%%\n",
			finding.RedundancyScore, finding.Analysis.CoverageOverlapPct)
		fmt.Fprintf(&sb, "- Estimated savings: %.1fs, %d tests, %d covered lines\n\n",
			finding.PotentialSavings.TimeSavedSec, finding.PotentialSavings.TestCountReduction,
			finding.PotentialSavings.LinesReduction)
		for _, line := range finding.Rationale {
			fmt.Fprintf(&sb, "> %s\n", line)
		}
		sb.WriteString("\n")

		if sources != nil {
			repSource := sources[finding.RepresentativeTestID]
			for _, redundantID := range finding.RedundantTestIDs {
				diff := sourceDiff(finding.RepresentativeTestID, redundantID,
					repSource, sources[redundantID])
				if diff != "" {
					fmt.Fprintf(&sb, "<details><summary>Diff vs %s</summary>\n\n```diff\n%s```\n\n</details>\n\n", redundantID, diff)
				}
			}
		}
	}
	return []byte(sb.String()), nil
}

// sourceDiff builds a unified diff between two test sources; identical or
// missing sources yield an empty string.
func sourceDiff(repID, redundantID, repSource, redundantSource string) string {
	if repSource == "" || redundantSource == "" || repSource == redundantSource {
		return ""
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(repSource),
		B:        difflib.SplitLines(redundantSource),
		FromFile: repID,
		ToFile:   redundantID,
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

var htmlReportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Test Redundancy Report</title></head>
<body>
<h1>Test Redundancy Report</h1>
<p>Run {{.RunID}}, generated {{.GeneratedAt}}. {{.Metrics.TotalTests}} tests,
{{.Metrics.RedundantTests}} redundant ({{printf "%.2f" .Metrics.ReductionPercentage}}%).</p>
<table border="1">
<tr><th>Cluster</th><th>Priority</th><th>Action</th><th>Representative</th><th>Redundant</th><th>Score</th><th>Saved (s)</th></tr>
{{range .Findings}}<tr>
<td>{{.ClusterID}}</td><td>{{.Priority}}</td><td>{{.Action}}</td>
<td>{{.RepresentativeTestID}}</td><td>{{range .RedundantTestIDs}}{{.}}<br>{{end}}</td>
<td>{{printf "%.3f" .RedundancyScore}}</td><td>{{printf "%.1f" .PotentialSavings.TimeSavedSec}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

func renderHTML(report *FindingsReport) ([]byte, error) {
	var sb strings.Builder
	if err := htmlReportTemplate.Execute(&sb, report); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// WriteFindingsChart renders a findings overview chart. The output type
// follows the file suffix.
func WriteFindingsChart(path string, report *FindingsReport) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	buf, err := renderFindingsChart(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        768,
		Height:       400,
	}, report)
	if err != nil {
		return fmt.Errorf("render chart failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderFindingsChart(painterOpt charts.PainterOptions, report *FindingsReport) ([]byte, error) {
	var high, medium, low float64
	for _, finding := range report.Findings {
		switch finding.Priority {
		case PriorityHigh:
			high++
		case PriorityMedium:
			medium++
		default:
			low++
		}
	}

	p := charts.NewPainter(painterOpt)
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)

	theme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorRed,
			charts.ColorOrangeAlt1,
			charts.ColorGreenAlt1,
		})
	opt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{high}, {medium}, {low},
	})
	opt.Theme = theme
	opt.Title.Text = "Redundancy Findings by Priority"
	opt.YAxis.Show = charts.Ptr(false)
	opt.StackSeries = charts.Ptr(true)
	if err := p.HorizontalBarChart(opt); err != nil {
		return nil, fmt.Errorf("error rendering chart: %w", err)
	}
	return p.Bytes()
}
