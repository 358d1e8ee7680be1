package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/policy"
	"github.com/openfroyo/gpuforge/pkg/stores"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	changeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cell is one table value with an optional style applied after padding.
type cell struct {
	text  string
	style *lipgloss.Style
}

func plain(s string) cell { return cell{text: s} }

func styled(s string, st lipgloss.Style) cell { return cell{text: s, style: &st} }

// writeTable renders rows as left-aligned columns. The last column is not
// padded.
func writeTable(w io.Writer, header []string, rows [][]cell) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if n := lipgloss.Width(c.text); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	for i, h := range header {
		b.WriteString(headerStyle.Render(pad(h, widths[i], i == len(header)-1)))
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))

	for _, row := range rows {
		b.Reset()
		for i, c := range row {
			text := pad(c.text, widths[i], i == len(row)-1)
			if c.style != nil {
				text = c.style.Render(text)
			}
			b.WriteString(text)
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return s + strings.Repeat(" ", width-lipgloss.Width(s)+2)
}

func outcomeCell(o engine.Outcome) cell {
	switch o {
	case engine.OutcomeAlreadySatisfied:
		return styled(string(o), okStyle)
	case engine.OutcomeApplied:
		return styled(string(o), changeStyle)
	case engine.OutcomeSkipped:
		return styled(string(o), warnStyle)
	case engine.OutcomeFailed:
		return styled(string(o), failStyle)
	}
	return plain(string(o))
}

func statusCell(s engine.RunStatus) cell {
	switch s {
	case engine.RunStatusSucceeded:
		return styled(string(s), okStyle)
	case engine.RunStatusPartial, engine.RunStatusCancelled:
		return styled(string(s), warnStyle)
	case engine.RunStatusFailed:
		return styled(string(s), failStyle)
	}
	return plain(string(s))
}

func requiredText(required bool) string {
	if required {
		return "required"
	}
	return "optional"
}

func printReport(w io.Writer, r *engine.Report) {
	fmt.Fprintf(w, "Run %s %s in %s\n\n", r.RunID, statusCell(r.Status).render(), r.Duration.Round(time.Millisecond))

	rows := make([][]cell, 0, len(r.Results))
	for _, res := range r.Results {
		detail := res.Reason
		if res.ErrorCode != "" {
			detail = fmt.Sprintf("%s: %s", res.ErrorCode, res.Reason)
		}
		if len(res.Warnings) > 0 {
			detail = strings.TrimSpace(detail + " (" + strings.Join(res.Warnings, "; ") + ")")
		}
		rows = append(rows, []cell{
			plain(res.Key),
			plain(string(res.Kind)),
			plain(requiredText(res.Required)),
			outcomeCell(res.Outcome),
			plain(detail),
		})
	}
	writeTable(w, []string{"KEY", "KIND", "REQUIRED", "OUTCOME", "DETAIL"}, rows)

	fmt.Fprintln(w)
	printRestart(w, r.Restart)

	s := r.Summary
	fmt.Fprintf(w, "Summary: %d total, %d already satisfied, %d applied, %d failed (%d required), %d skipped\n",
		s.Total, s.AlreadySatisfied, s.Applied, s.Failed, s.RequiredFailed, s.Skipped)
}

func printRestart(w io.Writer, rr engine.RestartResult) {
	switch {
	case rr.Service == "":
		fmt.Fprintln(w, dimStyle.Render("Restart: no service configured"))
	case !rr.Attempted:
		fmt.Fprintf(w, "Restart %s: %s\n", rr.Service, warnStyle.Render("skipped: "+rr.Reason))
	case rr.Succeeded:
		fmt.Fprintf(w, "Restart %s: %s\n", rr.Service, okStyle.Render("restarted"))
	default:
		fmt.Fprintf(w, "Restart %s: %s\n", rr.Service, failStyle.Render("failed: "+rr.Reason))
	}
}

func (c cell) render() string {
	if c.style == nil {
		return c.text
	}
	return c.style.Render(c.text)
}

func printPlan(w io.Writer, p *engine.Plan) {
	rows := make([][]cell, 0, len(p.Entries))
	for _, e := range p.Entries {
		var action cell
		switch e.Action {
		case engine.PlanNoop:
			action = styled(string(e.Action), okStyle)
		case engine.PlanBlocked:
			action = styled(string(e.Action), failStyle)
		case engine.PlanManualCleanup:
			action = styled(string(e.Action), warnStyle)
		default:
			action = styled(string(e.Action), changeStyle)
		}
		rows = append(rows, []cell{
			plain(e.Key),
			plain(string(e.Kind)),
			plain(requiredText(e.Required)),
			plain(string(e.Probe)),
			action,
			plain(e.Detail),
		})
	}
	writeTable(w, []string{"KEY", "KIND", "REQUIRED", "STATE", "ACTION", "DETAIL"}, rows)
}

func printViolations(w io.Writer, result *policy.Result) {
	if len(result.Violations) == 0 {
		fmt.Fprintf(w, "%s (%d policies)\n", okStyle.Render("No policy violations"), len(result.EvaluatedPolicies))
		return
	}

	rows := make([][]cell, 0, len(result.Violations))
	for _, v := range result.Violations {
		sev := plain(string(v.Severity))
		switch v.Severity {
		case policy.SeverityError:
			sev = styled(string(v.Severity), failStyle)
		case policy.SeverityWarning:
			sev = styled(string(v.Severity), warnStyle)
		}
		key := v.Key
		if key == "" {
			key = "-"
		}
		rows = append(rows, []cell{sev, plain(v.Policy), plain(key), plain(v.Message)})
	}
	writeTable(w, []string{"SEVERITY", "POLICY", "KEY", "MESSAGE"}, rows)
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}

	rows := make([][]cell, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []cell{
			plain(run.ID),
			statusCell(run.Status),
			plain(fmt.Sprintf("%d", run.ExitCode)),
			plain(humanize.Time(run.StartedAt)),
			plain(run.Duration.Round(time.Millisecond).String()),
			plain(fmt.Sprintf("%d/%d/%d", run.Summary.Applied, run.Summary.Failed, run.Summary.Total)),
			plain(run.Manifest),
		})
	}
	writeTable(w, []string{"RUN", "STATUS", "EXIT", "STARTED", "DURATION", "APPLIED/FAILED/TOTAL", "MANIFEST"}, rows)
}

func printOutcomes(w io.Writer, run *stores.Run, outcomes []*stores.Outcome) {
	fmt.Fprintf(w, "Run %s %s on %s, %s\n", run.ID, statusCell(run.Status).render(), run.Host,
		run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Manifest: %s\n\n", run.Manifest)

	rows := make([][]cell, 0, len(outcomes))
	for _, o := range outcomes {
		detail := o.Reason
		if o.ErrorCode != "" {
			detail = fmt.Sprintf("%s: %s", o.ErrorCode, o.Reason)
		}
		rows = append(rows, []cell{
			plain(o.Key),
			plain(string(o.Kind)),
			plain(requiredText(o.Required)),
			outcomeCell(o.Outcome),
			plain(o.Duration.Round(time.Millisecond).String()),
			plain(detail),
		})
	}
	writeTable(w, []string{"KEY", "KIND", "REQUIRED", "OUTCOME", "DURATION", "DETAIL"}, rows)

	fmt.Fprintln(w)
	printRestart(w, run.Restart)
}
