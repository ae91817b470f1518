package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		name        string
		priority    string
		audio       bool
		video       bool
		summary     bool
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <session-id>",
		Short: "Queue a session for enrichment",
		Long: "Queue a session for enrichment. The job waits in pending until the\n" +
			"optimized video is reported with media-ready.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := job.EnqueueRequest{
				SessionID:   args[0],
				SessionName: name,
				Priority:    job.Priority(priority),
				MaxAttempts: maxAttempts,
				Options: job.Options{
					IncludeAudio:   audio,
					IncludeVideo:   video,
					IncludeSummary: summary,
				},
			}
			if err := req.Validate(); err != nil {
				return err
			}

			var j job.Job
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/v1/jobs", req, &j); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd, &j)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for session %s (%s)\n", j.ID, j.SessionID, j.Status)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "Human-readable session name")
	flags.StringVar(&priority, "priority", string(job.PriorityNormal), "Scheduling priority: low, normal or high")
	flags.BoolVar(&audio, "audio", true, "Run the audio analysis pass")
	flags.BoolVar(&video, "video", true, "Run the video chaptering pass")
	flags.BoolVar(&summary, "summary", true, "Generate a session summary")
	flags.IntVar(&maxAttempts, "max-attempts", 0, "Attempts before the job fails (default from the daemon)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var counts queue.Counts
			if err := ctx.client().do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &counts); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd, counts)
			}
			printCounts(cmd.OutOrStdout(), counts)
			return nil
		},
	}
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	var bySession bool

	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/jobs/" + url.PathEscape(args[0])
			if bySession {
				path = "/api/v1/sessions/" + url.PathEscape(args[0]) + "/job"
			}
			return showJob(cmd, ctx, http.MethodGet, path)
		},
	}
	cmd.Flags().BoolVar(&bySession, "session", false, "Treat the argument as a session id and show its latest job")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session's pending or ready job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJob(cmd, ctx, http.MethodPost, sessionPath(args[0], "cancel"))
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session-id>",
		Short: "Queue a fresh job for a session whose last job failed or was cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJob(cmd, ctx, http.MethodPost, sessionPath(args[0], "retry"))
		},
	}
}

func newMediaReadyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "media-ready <session-id> <optimized-video-path>",
		Short: "Report that a session's optimized video exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"optimized_video_path": args[1]}
			var resp struct {
				Released bool     `json:"released"`
				Job      *job.Job `json:"job"`
			}
			if err := ctx.client().do(cmd.Context(), http.MethodPost, sessionPath(args[0], "media-ready"), body, &resp); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if !resp.Released || resp.Job == nil {
				fmt.Fprintf(out, "No pending job for session %s\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Released job %s (%s)\n", resp.Job.ID, resp.Job.Status)
			return nil
		},
	}
}

func newWaitCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job completes, fails or is cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			waitCtx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(waitCtx, timeout)
				defer cancel()
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			var onEvent func(*job.Job)
			if !ctx.jsonFlag {
				onEvent = func(j *job.Job) {
					fmt.Fprintf(out, "%s  %-10s %3d%%  attempt %d/%d\n",
						time.Now().Format("15:04:05"), statusLabel(j.Status, colorize), j.Progress, j.Attempt, j.MaxAttempts)
				}
			}

			j, err := ctx.client().waitJob(waitCtx, url.PathEscape(args[0]), onEvent)
			if err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd, j)
			}
			printJob(out, j, colorize)
			if j.Status == job.StatusFailed {
				return fmt.Errorf("job %s failed", j.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func showJob(cmd *cobra.Command, ctx *commandContext, method, path string) error {
	var j job.Job
	if err := ctx.client().do(cmd.Context(), method, path, nil, &j); err != nil {
		return err
	}
	if ctx.jsonFlag {
		return writeJSON(cmd, &j)
	}
	out := cmd.OutOrStdout()
	printJob(out, &j, shouldColorize(out))
	return nil
}

func sessionPath(sessionID, action string) string {
	return "/api/v1/sessions/" + url.PathEscape(sessionID) + "/" + action
}
