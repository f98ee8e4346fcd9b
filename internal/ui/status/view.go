// Package status renders the operator status report of the sync engine.
package status

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/j-veylop/analytics-counter/internal/models"
	"github.com/j-veylop/analytics-counter/internal/ui/components"
	"github.com/j-veylop/analytics-counter/internal/ui/styles"
)

// Report is everything the status page shows.
type Report struct {
	Now         time.Time
	Status      models.SyncStatus
	TopPaths    []models.PathRecord
	TopEntities []models.EntityAggregate
	ProfileID   string
}

const (
	minWidth  = 50
	maxWidth  = 100
	labelCols = 40
)

// Render draws the report for a terminal of the given width.
func Render(r Report, width int) string {
	cardWidth := min(max(width-4, minWidth), maxWidth)

	sections := []string{
		styles.TitleStyle.Render("Analytics counter status"),
		renderSyncCard(r, cardWidth),
		renderStorageCard(r, cardWidth),
		renderTopPathsCard(r.TopPaths, cardWidth),
		renderTopEntitiesCard(r.TopEntities, cardWidth),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderRow(label, value string) string {
	return styles.LabelStyle.Render(label+":") + " " + styles.ValueStyle.Render(value)
}

func renderSyncCard(r Report, width int) string {
	st := r.Status

	authText := styles.ErrorTextStyle.Render("not authorized; run `gacsync auth url`")
	if st.Authenticated {
		authText = styles.SuccessTextStyle.Render("authorized")
	}

	resets := "-"
	if st.Quota.Requests > 0 {
		resets = st.Quota.ResetsIn(r.Now).Round(time.Minute).String()
	}

	rows := []string{
		styles.CardTitleStyle.Render("Sync"),
		renderRow("Authentication", authText),
		renderRow("Profile", orDash(r.ProfileID)),
		renderRow("Next chunk", fmt.Sprintf("rows %d-%d (step %d)",
			st.Cursor.StartIndex(), st.Cursor.StartIndex()+st.Cursor.ChunkSize-1, st.Cursor.Step)),
		renderRow("Daily quota", components.RenderQuotaBar(st.Quota.Requests, st.MaxDailyRequests, 20)),
		renderRow("Quota resets in", resets),
		renderRow("Last cron run", formatTime(st.LastCronRun, r.Now)),
		renderRow("Data refreshed", formatTime(st.DataLastRefreshed, r.Now)),
		renderRow("Last chunk took", formatDuration(st.ChunkProcessTime)),
		renderRow("Most recent query", components.Truncate(orDash(st.MostRecentQuery), width-26)),
	}

	return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderStorageCard(r Report, width int) string {
	st := r.Status
	rows := []string{
		styles.CardTitleStyle.Render("Counts"),
		renderRow("Remote paths", components.FormatCount(st.TotalPaths)),
		renderRow("Remote pageviews", components.FormatCount(st.TotalPageviews)),
		renderRow("Stored paths", components.FormatCount(st.StoredPaths)),
		renderRow("Stored totals", fmt.Sprintf("%s (%s non-zero)",
			components.FormatCount(st.StoredAggregates), components.FormatCount(st.NonZeroAggregates))),
		renderRow("Legacy counters", components.FormatCount(st.LegacyCounters)),
		renderRow("Queued entities", components.FormatCount(st.QueueLength)),
	}
	if st.TotalPaths > 0 {
		done := float64(st.StoredPaths) / float64(st.TotalPaths) * 100
		rows = append(rows, renderRow("Coverage", fmt.Sprintf("%.1f%%", min(done, 100))))
	}

	return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderTopPathsCard(paths []models.PathRecord, width int) string {
	rows := []string{styles.CardTitleStyle.Render(fmt.Sprintf("Top %d paths", len(paths)))}
	if len(paths) == 0 {
		rows = append(rows, styles.HelpStyle.Render("No paths stored yet"))
		return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	bars := lo.Map(paths, func(p models.PathRecord, _ int) components.Bar {
		return components.Bar{Label: p.Path, Value: p.Pageviews}
	})
	views := lo.Map(paths, func(p models.PathRecord, _ int) float64 {
		return float64(p.Pageviews)
	})

	rows = append(rows,
		components.RenderBarChart(bars, width-6, labelCols),
		"",
		components.RenderLineChart(views, width-16, 6, "pageviews by rank"),
	)
	return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderTopEntitiesCard(aggs []models.EntityAggregate, width int) string {
	rows := []string{styles.CardTitleStyle.Render(fmt.Sprintf("Top %d entities", len(aggs)))}
	if len(aggs) == 0 {
		rows = append(rows, styles.HelpStyle.Render("No totals computed yet"))
		return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	bars := lo.Map(aggs, func(a models.EntityAggregate, _ int) components.Bar {
		return components.Bar{Label: fmt.Sprintf("#%d", a.EntityID), Value: a.PageviewTotal}
	})
	rows = append(rows, components.RenderBarChart(bars, width-6, labelCols))
	return styles.CardStyle.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	ago := now.Sub(t).Round(time.Second)
	if ago < 0 {
		return t.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s (%s ago)", t.Format("2006-01-02 15:04"), ago)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
