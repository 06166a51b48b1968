package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"swapvm/pkg/sim"
	"swapvm/pkg/swap/device"
)

var (
	primaryColor = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

type row struct {
	label string
	value string
}

func section(title string, rows []row) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label))
		b.WriteString(valueStyle.Render(r.value))
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderReport(r sim.Report) string {
	st := r.Stats
	run := section("Simulation", []row{
		{"elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"page-outs", fmt.Sprint(r.Writes)},
		{"verified", fmt.Sprint(r.Verified)},
		{"out of slots", fmt.Sprint(r.Exhausted)},
		{"slots shared", fmt.Sprint(r.Shared)},
	})
	pager := section("Pager", []row{
		{"page-ins", fmt.Sprint(st.Counters.PageIns)},
		{"cache hits", fmt.Sprint(st.Counters.CacheHits)},
		{"misses", fmt.Sprint(st.Counters.PagerMisses)},
		{"insert races", fmt.Sprint(st.Counters.Races)},
		{"transitions", fmt.Sprint(st.Counters.Transitions)},
		{"discards", fmt.Sprint(st.Counters.Discards)},
		{"io errors", fmt.Sprint(st.Counters.IOErrors)},
	})
	swap := section("Swap area", []row{
		{"slots in use", fmt.Sprintf("%d / %d", st.Slots.Allocated, st.Slots.Total)},
		{"cached pages", fmt.Sprint(st.Cache.Entries)},
		{"cache inserts", fmt.Sprint(st.Cache.Inserts)},
		{"lost key races", fmt.Sprint(st.Cache.LostKeyRaces)},
		{"resident pages", fmt.Sprint(st.PagesInUse)},
	})
	return lipgloss.JoinHorizontal(lipgloss.Top, run, " ", pager, " ", swap)
}

func renderSlots(path string, slots []device.SlotInfo, limit int) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s: %d slots", path, len(slots))))
	b.WriteString("\n")
	b.WriteString(header.Render(fmt.Sprintf("%-10s %-6s %8s", "SLOT", "CODEC", "BYTES")))
	b.WriteString("\n")

	total := 0
	for i, s := range slots {
		total += s.Size
		if limit > 0 && i >= limit {
			continue
		}
		fmt.Fprintf(&b, "%-10d %-6s %8d\n", uint64(s.Slot), s.Codec, s.Size)
	}
	if limit > 0 && len(slots) > limit {
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(fmt.Sprintf("... %d more", len(slots)-limit)))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "total stored: %d bytes", total)
	return boxStyle.Render(b.String())
}

func renderBench(r sim.BenchReport) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Benchmarks (%s device, %d byte pages)", r.Device, r.PageSize)))
	b.WriteString("\n")
	b.WriteString(header.Render(fmt.Sprintf("%-10s %10s %10s %10s %10s %12s %7s", "OPERATION", "AVG", "P50", "P95", "P99", "PAGES/SEC", "ERRORS")))
	for _, res := range r.Results {
		fmt.Fprintf(&b, "\n%-10s %10s %10s %10s %10s %12.0f %7d",
			res.Operation,
			sim.FormatDuration(res.AvgDuration),
			sim.FormatDuration(res.MedianDuration),
			sim.FormatDuration(res.P95Duration),
			sim.FormatDuration(res.P99Duration),
			res.PagesPerSecond,
			res.ErrorCount)
	}
	fmt.Fprintf(&b, "\n\ntotal: %s", sim.FormatDuration(r.TotalDuration))
	return boxStyle.Render(b.String())
}
