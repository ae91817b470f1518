package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
)

// maxLineSize bounds one stream-json line; results with long transcripts are large.
const maxLineSize = 8 << 20

// CLIEnricher runs an external analysis command once per attempt. The command
// receives the request as flags and writes one JSON object per line on stdout:
//
//	{"type":"progress","progress":40,"stage":"audio"}
//	{"type":"log","message":"..."}
//	{"type":"error","error":"..."}
//	{"type":"result","result":{...}}
//
// The result may also arrive as a JSON string, optionally wrapped in markdown
// code fences.
type CLIEnricher struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// CLIOption configures a CLIEnricher.
type CLIOption func(*CLIEnricher)

// WithTimeout caps each run independently of the caller's context.
func WithTimeout(d time.Duration) CLIOption {
	return func(e *CLIEnricher) { e.timeout = d }
}

func WithLogger(logger *slog.Logger) CLIOption {
	return func(e *CLIEnricher) { e.logger = logger }
}

// NewCLIEnricher builds an enricher that runs command with the fixed args
// followed by per-request flags.
func NewCLIEnricher(command string, args []string, opts ...CLIOption) *CLIEnricher {
	e := &CLIEnricher{command: command, args: append([]string(nil), args...)}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "enricher")
	return e
}

// Enrich executes the command and returns the parsed result.
func (e *CLIEnricher) Enrich(ctx context.Context, req Request) (*job.Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.command, e.buildArgs(req)...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start enricher: %w", err)
	}

	logger := e.logger.With(logging.Job(req.JobID, req.SessionID)...)
	var (
		result   *job.Result
		reported string
		parseErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, ok := parseLine(line)
		if !ok {
			continue
		}
		switch msg.Type {
		case "progress":
			if req.Progress != nil {
				req.Progress(msg.Progress)
			}
		case "log":
			logger.Debug("enricher output", logging.String("message", msg.Message))
		case "error":
			reported = msg.Error
		case "result":
			result, parseErr = decodeResult(msg.Result)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep the child from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Errors are usually reported on the stream rather than stderr.
		detail := strings.TrimSpace(stderr.String())
		if reported != "" {
			detail = reported
		}
		return nil, fmt.Errorf("enricher exited: %w: %s", err, detail)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read enricher output: %w", scanErr)
	}
	if reported != "" {
		return nil, errors.New(reported)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if result == nil {
		return nil, errors.New("enricher produced no result")
	}
	return result, nil
}

func (e *CLIEnricher) buildArgs(req Request) []string {
	args := append([]string(nil), e.args...)
	args = append(args,
		"--job-id", req.JobID,
		"--session-id", req.SessionID,
		"--attempt", strconv.Itoa(req.Attempt),
	)
	if req.SessionName != "" {
		args = append(args, "--session-name", req.SessionName)
	}
	if req.Options.IncludeAudio {
		args = append(args, "--audio")
	}
	if req.Options.IncludeVideo {
		args = append(args, "--video")
	}
	if req.Options.IncludeSummary {
		args = append(args, "--summary")
	}
	if req.Options.OptimizedVideoPath != "" {
		args = append(args, "--video-path", req.Options.OptimizedVideoPath)
	}
	return args
}

// filteredEnv returns os.Environ() without the daemon's own RECAPD_ settings,
// which carry API keys and store credentials.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "RECAPD_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}
