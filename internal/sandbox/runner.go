// Package sandbox runs the external analysis tool as an isolated
// subprocess: fixed argv, no shell, minimal environment, its own process
// group, a hard deadline and capped output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"secure-analysis-gateway/internal/models"
)

const (
	// maxSummary bounds the failure text stored on a job.
	maxSummary = 256
	// maxStderr bounds how much diagnostic output is kept in memory.
	maxStderr = 64 * 1024
	// waitDelay bounds how long Run waits for pipes after the process
	// group is killed.
	waitDelay = 2 * time.Second
)

// Invocation describes a single tool run. All paths must already be
// validated to lie inside WorkDir.
type Invocation struct {
	JobID      string
	Mode       models.Mode
	WorkDir    string
	InputPath  string
	OutputPath string
}

// Output is a successful run.
type Output struct {
	Artifact   []byte
	FromStdout bool
	Duration   time.Duration
}

// Failure is the classified, sanitized reason a run did not produce an
// artifact. It is safe to store on the job and show to its owner.
type Failure struct {
	Kind    models.ErrorKind
	Message string
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// JobError converts f into the form stored on a job.
func (f *Failure) JobError() models.JobError {
	return models.JobError{Kind: f.Kind, Message: f.Message}
}

// Options configures a Runner.
type Options struct {
	ToolPath       string
	ToolArgs       []string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Runner executes the analysis tool.
type Runner struct {
	opts   Options
	logger zerolog.Logger
}

func NewRunner(opts Options, logger zerolog.Logger) (*Runner, error) {
	if opts.ToolPath == "" {
		return nil, errors.New("tool path is required")
	}
	if !filepath.IsAbs(opts.ToolPath) {
		abs, err := filepath.Abs(opts.ToolPath)
		if err != nil {
			return nil, fmt.Errorf("resolve tool path: %w", err)
		}
		opts.ToolPath = abs
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 16 * 1024 * 1024
	}
	opts.ToolArgs = append([]string(nil), opts.ToolArgs...)
	return &Runner{opts: opts, logger: logger}, nil
}

// argv builds the tool's arguments. Only the mode comes from the request,
// and it is a member of a closed enum.
func (r *Runner) argv(inv Invocation) []string {
	args := make([]string, 0, len(r.opts.ToolArgs)+6)
	args = append(args, r.opts.ToolArgs...)
	return append(args, "-f", inv.InputPath, "-m", string(inv.Mode), "-o", inv.OutputPath)
}

// Run executes the tool for inv. A non-nil error is always a *Failure.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Output, error) {
	tmpDir := filepath.Join(inv.WorkDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return Output{}, r.internal(inv, "prepare work dir", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.opts.ToolPath, r.argv(inv)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + inv.WorkDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
	}
	stdout := newCappedBuffer(r.opts.MaxOutputBytes)
	stderr := newCappedBuffer(maxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group so the deadline kills every descendant, not just
	// the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	log := r.logger.With().Str("job_id", inv.JobID).Str("mode", string(inv.Mode)).Dur("elapsed", elapsed).Logger()
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		log.Warn().Msg("tool exceeded deadline")
		return Output{}, &Failure{Kind: models.ErrorTimeout, Message: fmt.Sprintf("analysis exceeded %s", r.opts.Timeout)}
	case ctx.Err() != nil:
		return Output{}, &Failure{Kind: models.ErrorInternal, Message: "analysis cancelled"}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			summary := r.sanitize(stderr.String(), inv)
			log.Warn().Int("exit_code", exitErr.ExitCode()).Str("stderr", summary).Msg("tool failed")
			msg := exitErr.String()
			if summary != "" {
				msg += ": " + summary
			}
			return Output{}, &Failure{Kind: models.ErrorToolFailed, Message: truncate(msg, maxSummary)}
		}
		return Output{}, r.internal(inv, "start tool", err)
	}

	artifact, fromStdout, failure := r.collect(inv, stdout)
	if failure != nil {
		log.Warn().Str("kind", string(failure.Kind)).Msg("tool output rejected")
		return Output{}, failure
	}
	log.Debug().Int("bytes", len(artifact)).Bool("stdout", fromStdout).Msg("tool finished")
	return Output{Artifact: artifact, FromStdout: fromStdout, Duration: elapsed}, nil
}

// collect picks the artifact: the output file when the tool wrote one,
// otherwise whatever it printed.
func (r *Runner) collect(inv Invocation, stdout *cappedBuffer) ([]byte, bool, *Failure) {
	info, err := os.Lstat(inv.OutputPath)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return nil, false, &Failure{Kind: models.ErrorToolFailed, Message: "output is not a regular file"}
	case err == nil:
		if info.Size() > r.opts.MaxOutputBytes {
			return nil, false, tooLarge(r.opts.MaxOutputBytes)
		}
		b, err := os.ReadFile(inv.OutputPath)
		if err != nil {
			return nil, false, r.internal(inv, "read output", err)
		}
		return b, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, r.internal(inv, "stat output", err)
	}
	if stdout.Truncated() {
		return nil, false, tooLarge(r.opts.MaxOutputBytes)
	}
	if stdout.Len() == 0 {
		return nil, false, &Failure{Kind: models.ErrorToolFailed, Message: "tool produced no output"}
	}
	return stdout.Bytes(), true, nil
}

func tooLarge(limit int64) *Failure {
	return &Failure{Kind: models.ErrorOutputTooLarge, Message: fmt.Sprintf("artifact exceeds %d bytes", limit)}
}

// internal logs the real cause and returns a failure that does not
// expose it.
func (r *Runner) internal(inv Invocation, step string, err error) *Failure {
	r.logger.Error().Err(err).Str("job_id", inv.JobID).Str("step", step).Msg("sandbox error")
	return &Failure{Kind: models.ErrorInternal, Message: step + " failed"}
}

// sanitize strips host paths and control characters from tool output
// before it is stored on a job.
func (r *Runner) sanitize(s string, inv Invocation) string {
	for _, p := range []string{inv.WorkDir, r.opts.ToolPath} {
		if p != "" {
			s = strings.ReplaceAll(s, p, "<path>")
		}
	}
	s = strings.Map(func(c rune) rune {
		switch {
		case c == '\n' || c == '\t' || c == '\r':
			return ' '
		case c == utf8.RuneError || unicode.IsControl(c):
			return -1
		}
		return c
	}, s)
	return truncate(strings.Join(strings.Fields(s), " "), maxSummary)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// so a chatty tool cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if int64(len(p)) > room {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte   { return c.buf.Bytes() }
func (c *cappedBuffer) String() string  { return c.buf.String() }
func (c *cappedBuffer) Len() int        { return c.buf.Len() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }
