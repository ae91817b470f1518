package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/queue"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(out io.Writer, c queue.Counts) {
	rows := [][]string{
		{"pending", strconv.Itoa(c.Pending)},
		{"ready", strconv.Itoa(c.Ready)},
		{"processing", strconv.Itoa(c.Processing)},
		{"completed", strconv.Itoa(c.Completed)},
		{"failed", strconv.Itoa(c.Failed)},
		{"cancelled", strconv.Itoa(c.Cancelled)},
		{"total", strconv.Itoa(c.Total)},
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func printJob(out io.Writer, j *job.Job, colorize bool) {
	rows := [][]string{
		{"Job", j.ID},
		{"Session", sessionLabel(j)},
		{"Status", statusLabel(j.Status, colorize)},
		{"Priority", string(j.Priority)},
		{"Progress", fmt.Sprintf("%d%%", j.Progress)},
		{"Attempt", fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts)},
		{"Passes", passes(j.Options)},
		{"Created", formatTime(&j.CreatedAt)},
	}
	if j.Options.OptimizedVideoPath != "" {
		rows = append(rows, []string{"Video", j.Options.OptimizedVideoPath})
	}
	if j.StartedAt != nil {
		rows = append(rows, []string{"Started", formatTime(j.StartedAt)})
	}
	if j.RetryAt != nil {
		rows = append(rows, []string{"Retry at", formatTime(j.RetryAt)})
	}
	if j.CompletedAt != nil {
		rows = append(rows, []string{"Finished", formatTime(j.CompletedAt)})
	}
	if j.Error != nil {
		rows = append(rows, []string{"Last error", fmt.Sprintf("attempt %d: %s", j.Error.Attempt, j.Error.Message)})
	}
	if j.Result != nil && j.Result.Summary != "" {
		rows = append(rows, []string{"Summary", truncate(j.Result.Summary, 80)})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
}

func sessionLabel(j *job.Job) string {
	if j.SessionName == "" {
		return j.SessionID
	}
	return fmt.Sprintf("%s (%s)", j.SessionName, j.SessionID)
}

func passes(o job.Options) string {
	var names []string
	if o.IncludeAudio {
		names = append(names, "audio")
	}
	if o.IncludeVideo {
		names = append(names, "video")
	}
	if o.IncludeSummary {
		names = append(names, "summary")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
