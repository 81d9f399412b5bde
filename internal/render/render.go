package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"trialtrends/internal/core"
	"trialtrends/internal/pipeline"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headingStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	upStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	summaryStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	tableHeadings = []string{"#", "Condition", "First", "Second", "Delta", "Change"}
)

// FormatPct renders a percent change with two decimals, or "n/a" when undefined.
func FormatPct(pct *float64) string {
	if pct == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*pct, 'f', 2, 64) + "%"
}

// Text writes the terminal report for a run.
func Text(w io.Writer, report *pipeline.Report) error {
	first, second := report.Pair.DisplayLabels()

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Clinical trial trends: %s → %s", first, second)))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d rows, %d conditions (%d after grouping), %d unchanged",
		report.Stats.Observations, report.Stats.DistinctRaw, report.Stats.DistinctCanonical, report.Stats.Unchanged)))
	b.WriteString("\n")

	b.WriteString(headingStyle.Render(fmt.Sprintf("📈 Increases (%d)", report.Stats.Increases)))
	b.WriteString("\n")
	b.WriteString(trendTable(report.Increases, upStyle))
	b.WriteString("\n")

	b.WriteString(headingStyle.Render(fmt.Sprintf("📉 Decreases (%d)", report.Stats.Decreases)))
	b.WriteString("\n")
	b.WriteString(trendTable(report.Decreases, downStyle))
	b.WriteString("\n")

	if report.Narrative != nil {
		b.WriteString(headingStyle.Render("📝 Summary"))
		b.WriteString("\n")
		b.WriteString(summaryStyle.Render(narrativeText(*report.Narrative)))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func trendTable(rows []core.TrendRow, deltaStyle lipgloss.Style) string {
	if len(rows) == 0 {
		return mutedStyle.Render("  none")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(tableHeadings...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			if col == 4 || col == 5 {
				return deltaStyle.Padding(0, 1)
			}
			return style
		})

	for i, row := range rows {
		t.Row(
			strconv.Itoa(i+1),
			row.Condition,
			strconv.Itoa(row.FirstMonthCount),
			strconv.Itoa(row.SecondMonthCount),
			fmt.Sprintf("%+d", row.Delta),
			FormatPct(row.PctChange),
		)
	}
	return t.Render()
}

func narrativeText(result core.NarrativeResult) string {
	var b strings.Builder
	b.WriteString(result.Summary)
	for _, line := range result.Increases {
		b.WriteString("\n↑ " + line)
	}
	for _, line := range result.Decreases {
		b.WriteString("\n↓ " + line)
	}
	return b.String()
}

// JSON writes the report as indented JSON.
func JSON(w io.Writer, report *pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// Markdown returns the report as a markdown document.
func Markdown(report *pipeline.Report) string {
	first, second := report.Pair.DisplayLabels()

	var md strings.Builder
	md.WriteString(fmt.Sprintf("# Clinical Trial Trends: %s to %s\n\n", first, second))

	if report.Narrative != nil {
		md.WriteString("## Summary\n\n")
		md.WriteString(report.Narrative.Summary + "\n\n")
		for _, line := range report.Narrative.Increases {
			md.WriteString("- ↑ " + line + "\n")
		}
		for _, line := range report.Narrative.Decreases {
			md.WriteString("- ↓ " + line + "\n")
		}
		md.WriteString("\n")
	}

	writeMarkdownTable(&md, "Increases", report.Increases, first, second)
	writeMarkdownTable(&md, "Decreases", report.Decreases, first, second)

	md.WriteString(fmt.Sprintf("---\n\n*Run %s: %d conditions, %d after grouping, %d unchanged.*\n",
		report.RunID, report.Stats.DistinctRaw, report.Stats.DistinctCanonical, report.Stats.Unchanged))
	return md.String()
}

func writeMarkdownTable(md *strings.Builder, title string, rows []core.TrendRow, first, second string) {
	md.WriteString(fmt.Sprintf("## %s\n\n", title))
	if len(rows) == 0 {
		md.WriteString("No conditions.\n\n")
		return
	}
	md.WriteString(fmt.Sprintf("| Condition | %s | %s | Delta | Change |\n", first, second))
	md.WriteString("|---|---:|---:|---:|---:|\n")
	for _, row := range rows {
		md.WriteString(fmt.Sprintf("| %s | %d | %d | %+d | %s |\n",
			strings.ReplaceAll(row.Condition, "|", "\\|"), row.FirstMonthCount, row.SecondMonthCount, row.Delta, FormatPct(row.PctChange)))
	}
	md.WriteString("\n")
}

// WriteMarkdownReport writes the markdown report to trends_<first>_<second>.md
// in outputDir and returns the file path.
func WriteMarkdownReport(report *pipeline.Report, outputDir string) (string, error) {
	filename := fmt.Sprintf("trends_%s_%s.md", report.FirstMonth, report.SecondMonth)
	return WriteReportToFile(Markdown(report), outputDir, filename)
}

// WriteReportToFile writes content to filename in outputDir, creating the
// directory when needed.
func WriteReportToFile(content, outputDir, filename string) (string, error) {
	if outputDir == "" {
		outputDir = "reports" // Default output directory
	}

	err := os.MkdirAll(outputDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	filePath := filepath.Join(outputDir, filename)

	err = os.WriteFile(filePath, []byte(content), 0644)
	if err != nil {
		return "", fmt.Errorf("failed to write report file %s: %w", filePath, err)
	}

	return filePath, nil
}
