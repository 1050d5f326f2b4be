package reporter

import (
	"fmt"
	"strings"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
)

// Marker returns the hidden signature embedded in a status comment for key.
func Marker(key string) string {
	return fmt.Sprintf("<!-- deployctl:%s -->", key)
}

// Headline summarizes a run in one line, e.g. "Passed, NodeRuntime, deployed to develop".
func Headline(report *models.RunReport) string {
	return fmt.Sprintf("%s, %s, %s", report.Status, report.Classification.DisplayName(), detail(report))
}

func detail(report *models.RunReport) string {
	switch report.Status {
	case models.RunStatusPassed:
		if report.Attempt != nil && report.Attempt.Reused {
			return "already deployed to " + report.Environment
		}
		if report.Environment == "" {
			return "packaged"
		}
		return "deployed to " + report.Environment
	case models.RunStatusBlocked:
		return "promotion to " + report.Environment + " blocked"
	case models.RunStatusSkipped:
		if o := report.Outcome(models.StageDeploy); o != nil && o.Message != "" {
			return o.Message
		}
		return "no deployment"
	default:
		for _, o := range report.Stages {
			if o.Status == models.StageStatusFailed {
				return string(o.Stage) + " failed"
			}
		}
		return "failed"
	}
}

// Render formats a run report as the markdown body of a status comment.
// The body starts with the signature marker for the report's trigger.
func Render(report *models.RunReport) string {
	var b strings.Builder

	b.WriteString(Marker(report.Trigger.StatusKey()))
	b.WriteString("\n")
	fmt.Fprintf(&b, "### deployctl: %s\n\n", Headline(report))

	b.WriteString("| Stage | Status | Duration | Details |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, o := range report.Stages {
		details := o.Message
		if o.ErrorCode != "" {
			details = fmt.Sprintf("`%s` %s", o.ErrorCode, details)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			o.Stage, o.Status, formatDuration(o.Duration), escapeCell(details))
	}
	b.WriteString("\n")

	if report.Environment != "" {
		fmt.Fprintf(&b, "**Environment:** `%s`\n", report.Environment)
	}
	if a := report.Artifact; a != nil {
		fmt.Fprintf(&b, "**Artifact:** `%s` (`%s`, %s)\n", a.Name, a.Hash, formatSize(a.Size))
	}
	if t := report.Trigger; t.SHA != "" {
		sha := t.SHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		fmt.Fprintf(&b, "**Commit:** `%s` on `%s`\n", sha, t.Ref)
	}
	if report.Trigger.RunURL != "" {
		fmt.Fprintf(&b, "\n[Run log](%s)\n", report.Trigger.RunURL)
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
