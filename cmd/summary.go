package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/stats"
)

var (
	summaryStart   string
	summaryEnd     string
	summaryExplain bool
	summaryLocal   bool
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show schedule statistics",
	Long: `Show shift statistics for a window (default: the last 7 days through
the next 30).

By default the service computes the numbers. --local computes them here from
the full shift list. --explain adds a short briefing written by Claude when
an Anthropic API key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return summaryRun()
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summaryStart, "start", "", "Window start")
	summaryCmd.Flags().StringVar(&summaryEnd, "end", "", "Window end")
	summaryCmd.Flags().BoolVar(&summaryExplain, "explain", false, "Add a natural-language briefing")
	summaryCmd.Flags().BoolVar(&summaryLocal, "local", false, "Compute from the shift list instead of asking the service")
	summaryCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	rootCmd.AddCommand(summaryCmd)
}

// summaryWindow resolves --start/--end, filling gaps from the default window.
func summaryWindow(now time.Time) (stats.Window, error) {
	from, to, err := parseWindow(summaryStart, summaryEnd)
	if err != nil {
		return stats.Window{}, err
	}
	w := stats.DefaultWindow(now)
	if !from.IsZero() {
		w.Start = from
	}
	if !to.IsZero() {
		w.End = to
	}
	if w.End.Before(w.Start) {
		return stats.Window{}, fmt.Errorf("window ends %s before it starts %s", w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly))
	}
	return w, nil
}

func summaryRun() error {
	w, err := summaryWindow(time.Now())
	if err != nil {
		return err
	}
	c, err := requireSession()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var sum *models.ShiftSummary
	if summaryLocal {
		shifts, err := c.API().ListShifts(ctx)
		if err != nil {
			return err
		}
		sum = stats.NewCalculator().Summarize(shifts, w)
	} else {
		sum, err = c.API().ShiftSummary(ctx, apiclient.Window{Start: w.Start, End: w.End})
		if err != nil {
			return err
		}
	}

	var briefing string
	if summaryExplain {
		if client := newLLMClient(); client == nil {
			ui.Warning("No Anthropic API key configured (anthropic.api_key or ANTHROPIC_API_KEY); showing numbers only")
		} else {
			ui.VerboseLog("Asking %s for a briefing", client.Model())
			briefing, err = client.SummarizeSchedule(ctx, sum, w.Start, w.End)
			if err != nil {
				ui.Warning("Briefing failed: %v", err)
			}
		}
	}

	if jsonOut {
		return printJSON(struct {
			Start    time.Time            `json:"start"`
			End      time.Time            `json:"end"`
			Summary  *models.ShiftSummary `json:"summary"`
			Briefing string               `json:"briefing,omitempty"`
		}{w.Start, w.End, sum, briefing})
	}

	printSummary(sum, w)
	if briefing != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, briefing)
	}
	return nil
}

func printSummary(sum *models.ShiftSummary, w stats.Window) {
	fmt.Fprintf(ui.Out, "Shifts %s to %s\n\n", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))

	table := ui.Table([]string{"Metric", "Value"})
	for _, row := range []struct {
		label string
		v     int64
	}{
		{"Total", sum.TotalShifts},
		{"Night", sum.NightShifts},
		{"Assigned", sum.AssignedShifts},
		{"Unassigned", sum.UnassignedShifts},
		{"Staff on rota", sum.TotalAssignees},
	} {
		_ = table.Append([]string{row.label, strconv.FormatInt(row.v, 10)})
	}
	_ = table.Render()

	printDistribution("By role", sum.RoleDistribution)
	printDistribution("By department", sum.DepartmentDistribution)
	printDistribution("By assignee", sum.AssigneeDistribution)
}

func printDistribution(title string, items []models.SummaryItem) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(ui.Out, "\n%s\n", title)
	table := ui.Table([]string{"", "Shifts"})
	for _, it := range items {
		_ = table.Append([]string{it.Label, strconv.FormatInt(it.Value, 10)})
	}
	_ = table.Render()
}
