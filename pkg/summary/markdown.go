package summary

import (
	"fmt"
	"strings"
	"time"
)

// Markdown renders a summary as a markdown document.
func Markdown(s *Summary) string {
	var sb strings.Builder

	sb.Grow(2048)

	writeTitle(&sb, s)
	writeOverview(&sb, s)
	writeCounts(&sb, s.Counts)
	writeProblems(&sb, s.Tests)

	return sb.String()
}

func writeTitle(sb *strings.Builder, s *Summary) {
	fmt.Fprintf(sb, "# ERCx Run: %s (%s)\n\n", s.Contract, s.Standard)
}

func writeOverview(sb *strings.Builder, s *Summary) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Document | `%s` |\n", s.Document)

	if s.Target != "" {
		fmt.Fprintf(sb, "| Target | %s |\n", s.Target)
	}

	if s.ReportID != "" {
		fmt.Fprintf(sb, "| Report | `%s` |\n", s.ReportID)
	}

	if s.Status != "" {
		fmt.Fprintf(sb, "| Status | %s |\n", s.Status)
	}

	if s.Timestamp > 0 {
		t := time.Unix(s.Timestamp, 0).UTC()
		fmt.Fprintf(sb, "| Started | %s |\n", t.Format("2006-01-02 15:04:05 UTC"))
	}

	if s.Duration != "" {
		fmt.Fprintf(sb, "| Duration | %s |\n", s.Duration)
	}

	if s.Error != "" {
		fmt.Fprintf(sb, "| Error | %s |\n", escapeCell(s.Error))
	}

	sb.WriteByte('\n')
}

func writeCounts(sb *strings.Builder, c Counts) {
	sb.WriteString("## Test Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Skipped | Errored |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d | %d |\n\n",
		c.Total, c.Passed, c.Failed, c.Skipped, c.Errored)
}

func writeProblems(sb *strings.Builder, tests []TestSummary) {
	var problems []TestSummary

	for _, t := range tests {
		if t.Outcome == OutcomeFailed || t.Outcome == OutcomeErrored {
			problems = append(problems, t)
		}
	}

	if len(problems) == 0 {
		return
	}

	sb.WriteString("## Failed Tests\n\n")

	for _, t := range problems {
		fmt.Fprintf(sb, "### %s (%s)\n\n", t.Name, t.Outcome)

		if t.Level != "" {
			fmt.Fprintf(sb, "Level: %s, range %s\n\n", t.Level, t.Range)
		}

		if t.Message == nil {
			continue
		}

		if text := strings.TrimSpace(t.Message.Text); text != "" {
			fmt.Fprintf(sb, "%s\n\n", text)
		}

		if t.Message.Diff != "" {
			fmt.Fprintf(sb, "```diff\n%s\n```\n\n", strings.TrimRight(t.Message.Diff, "\n"))
		}
	}
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
