package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/process"
	"github.com/loykin/simvisor/internal/redact"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultKillGrace = 2 * time.Second
)

// Command is a single argv invocation. Path is never passed through a shell.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	// Env overrides individual variables on top of the inherited environment.
	Env   map[string]string
	Dir   string
	Stdin io.Reader
}

// Result is the redacted outcome of a command that ran to completion.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// Check converts a non-zero exit into a CommandFailed error.
func (r Result) Check() error {
	if r.ExitCode == 0 {
		return nil
	}
	return apperr.New(apperr.CommandFailed, "exit status %d", r.ExitCode).
		WithDetail("exitCode", r.ExitCode).
		WithDetail("stderr", r.Stderr)
}

// Executor runs one-shot commands with a deadline. It is stateless apart from
// its configuration and safe for concurrent use.
type Executor struct {
	redactor       *redact.Redactor
	base           *env.Env
	defaultTimeout time.Duration
	killGrace      time.Duration
}

type Option func(*Executor)

func WithRedactor(r *redact.Redactor) Option { return func(e *Executor) { e.redactor = r } }

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

func WithKillGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.killGrace = d
		}
	}
}

// WithBaseEnv pins the environment every command starts from, with or
// without overrides. Without it the calling process's environment is used.
func WithBaseEnv(b *env.Env) Option { return func(e *Executor) { e.base = b } }

func New(opts ...Option) *Executor {
	e := &Executor{
		redactor:       redact.Default(),
		defaultTimeout: DefaultTimeout,
		killGrace:      DefaultKillGrace,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs c and waits for it to exit, time out, or be canceled.
//
// A non-zero exit is not an error: the exit code is in the Result. On timeout
// the process group is terminated and a Timeout error carrying the partial
// output is returned. Cancellation of ctx yields an error wrapping ctx.Err().
// In every case the subprocess has been reaped when Execute returns.
func (e *Executor) Execute(ctx context.Context, c Command) (Result, error) {
	if c.Path == "" {
		return Result{}, apperr.New(apperr.InvalidInput, "command path is empty")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%s canceled: %w", c.Path, err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	cmd := exec.Command(c.Path, c.Args...) // #nosec G204 -- argv form, no shell
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	switch {
	case e.base != nil:
		cmd.Env = e.base.Merge(c.Env)
	case len(c.Env) > 0:
		cmd.Env = env.FromOS().Merge(c.Env)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren holding the pipes open must not stall Wait forever.
	cmd.WaitDelay = e.killGrace

	started := time.Now()
	h, err := process.Start(cmd)
	if err != nil {
		metrics.ObserveCommand("launch_error", time.Since(started).Seconds())
		return Result{}, apperr.Wrap(apperr.CommandFailed, err, "launch %s", c.Path).
			WithDetail("path", c.Path)
	}
	slog.Debug("Command started", "path", c.Path, "pid", h.PID(), "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, canceled bool
	select {
	case <-h.Done():
	case <-timer.C:
		timedOut = true
		h.Stop(syscall.SIGTERM, e.killGrace)
	case <-ctx.Done():
		canceled = true
		h.Stop(syscall.SIGTERM, e.killGrace)
	}

	// The waiter has finished with the buffers once Done is closed.
	<-h.Done()
	res := Result{
		Stdout:   e.redactor.Redact(stdout.String()),
		Stderr:   e.redactor.Redact(stderr.String()),
		ExitCode: h.ExitCode(),
		Duration: time.Since(started),
	}

	switch {
	case timedOut:
		metrics.ObserveCommand("timeout", res.Duration.Seconds())
		slog.Warn("Command timed out", "path", c.Path, "timeout", timeout)
		return res, apperr.New(apperr.Timeout, "%s did not finish within %s", c.Path, timeout).
			WithDetail("stdout", res.Stdout).
			WithDetail("stderr", res.Stderr)
	case canceled:
		metrics.ObserveCommand("canceled", res.Duration.Seconds())
		return res, fmt.Errorf("%s canceled: %w", c.Path, ctx.Err())
	default:
		if werr := h.ExitErr(); werr != nil && !isExit(werr) && !errors.Is(werr, exec.ErrWaitDelay) {
			metrics.ObserveCommand("launch_error", res.Duration.Seconds())
			return res, apperr.Wrap(apperr.CommandFailed, werr, "wait %s", c.Path)
		}
		outcome := "ok"
		if res.ExitCode != 0 {
			outcome = "nonzero"
		}
		metrics.ObserveCommand(outcome, res.Duration.Seconds())
		slog.Debug("Command finished", "path", c.Path, "exitCode", res.ExitCode, "duration", res.Duration)
		return res, nil
	}
}

func isExit(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
