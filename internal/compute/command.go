package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"bikefit-backend/internal/shared/telemetry"
	"bikefit-backend/internal/shared/util"
)

const (
	maxStderrBytes = 8 * 1024
	maxStdoutBytes = 4 << 20

	// AnalysisIDEnv carries the analysis ID to external analyzers.
	AnalysisIDEnv = "BIKEFIT_ANALYSIS_ID"
)

// RunError reports a non-zero exit from an analyzer subprocess.
type RunError struct {
	Command    string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *RunError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("%s exited %d: %s", e.Command, e.ExitCode, truncate(e.StderrTail, 512))
	}
	return fmt.Sprintf("%s exited %d", e.Command, e.ExitCode)
}

func (e *RunError) Unwrap() error { return e.Err }

// Command runs an external analyzer. The video is written to a temp file whose
// path is appended to Args; the analysis ID is passed in AnalysisIDEnv. The
// process must print one JSON object on stdout.
type Command struct {
	Path    string
	Args    []string
	TempDir string
}

// Process implements Analyzer.
func (c *Command) Process(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
	videoPath, cleanup, err := writeTemp(c.TempDir, video)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := append(append([]string{}, c.Args...), videoPath)
	stdout, err := run(ctx, c.Path, args, []string{AnalysisIDEnv + "=" + analysisID})
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &result); err != nil {
		return nil, fmt.Errorf("analyzer output is not a JSON object: %w", err)
	}
	if result == nil {
		return nil, errors.New("analyzer output is empty")
	}
	return result, nil
}

// run executes name with args and returns stdout. Stderr is kept as a bounded
// tail for diagnostics.
func run(ctx context.Context, name string, args, env []string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	// Bound the wait for pipes held open by grandchildren after a kill.
	cmd.WaitDelay = 5 * time.Second
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdout, limit: maxStdoutBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		telemetry.Warn("compute.command_failed", map[string]any{
			"command":     name,
			"exit_code":   exitCode,
			"duration_ms": elapsed.Milliseconds(),
			"stderr_tail": truncate(stderr.String(), 512),
		})
		return nil, &RunError{Command: name, ExitCode: exitCode, StderrTail: stderr.String(), Err: err}
	}
	telemetry.Debug("compute.command_succeeded", map[string]any{
		"command":     name,
		"duration_ms": elapsed.Milliseconds(),
	})
	return stdout.Bytes(), nil
}

func writeTemp(dir string, video []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, "bikefit-video-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp video: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(video); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp video: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp video: %w", err)
	}
	return f.Name(), cleanup, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + util.TailUTF8(s, maxLen)
}

// limitedWriter keeps at most the last limit bytes written, starting on a
// character boundary.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		start := len(b) - lw.limit
		for start < len(b) && !utf8.RuneStart(b[start]) {
			start++
		}
		tail := append([]byte(nil), b[start:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

// cappedWriter keeps the first limit bytes and discards the rest.
type cappedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := cw.limit - cw.w.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		cw.w.Write(p)
	}
	return n, nil
}

var _ Analyzer = (*Command)(nil)
