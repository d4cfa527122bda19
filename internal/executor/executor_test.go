//go:build !windows

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteEcho(t *testing.T) {
	e := New()
	res, err := e.Execute(context.Background(), Command{Path: "/bin/echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, res.Duration, time.Duration(0))
	assert.NoError(t, res.Check())
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	e := New()
	res, err := e.Execute(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo oops >&2; exit 7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)

	cerr := res.Check()
	require.Error(t, cerr)
	assert.True(t, apperr.IsKind(cerr, apperr.CommandFailed))
	code, ok := apperr.DetailOf(cerr, "exitCode")
	require.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestExecuteEnvOverride(t *testing.T) {
	e := New(WithBaseEnv(env.New(env.Var{"KEEP": "base", "FOO": "old"})))
	res, err := e.Execute(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `printf '%s %s' "$FOO" "$KEEP"`},
		Env:  map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bar base", res.Stdout)
}

func TestExecuteBaseEnvWithoutOverrides(t *testing.T) {
	t.Setenv("SIMVISOR_OS_ONLY", "leaked")
	e := New(WithBaseEnv(env.New(env.Var{"PATH": os.Getenv("PATH"), "DEVELOPER_DIR": "/X"})))
	res, err := e.Execute(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `printf 'dev=%s os=%s' "$DEVELOPER_DIR" "$SIMVISOR_OS_ONLY"`},
	})
	require.NoError(t, err)
	assert.Equal(t, "dev=/X os=", res.Stdout)
}

func TestExecuteEnvInheritsOS(t *testing.T) {
	t.Setenv("SIMVISOR_EXEC_TEST", "inherited")
	res, err := New().Execute(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `printf '%s/%s' "$SIMVISOR_EXEC_TEST" "$EXTRA"`},
		Env:  map[string]string{"EXTRA": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "inherited/x", res.Stdout)
}

func TestExecuteDir(t *testing.T) {
	dir := t.TempDir()
	res, err := New().Execute(context.Background(), Command{Path: "/bin/pwd", Dir: dir})
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	assert.Equal(t, want, got)
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	e := New(WithKillGrace(200 * time.Millisecond))
	start := time.Now()
	res, err := e.Execute(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "echo $$ > " + pidFile + "; echo partial; exec sleep 5"},
		Timeout: time.Second,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Timeout))
	assert.Less(t, elapsed, 4*time.Second)
	out, ok := apperr.DetailOf(err, "stdout")
	require.True(t, ok)
	assert.Equal(t, "partial\n", out)
	assert.Equal(t, "partial\n", res.Stdout)

	b, rerr := os.ReadFile(pidFile)
	require.NoError(t, rerr)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	assert.False(t, process.Alive(pid), "timed out process must be gone")
}

func TestExecuteCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := New().Execute(ctx, Command{Path: "/bin/sleep", Args: []string{"5"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 4*time.Second)

	_, err = New().Execute(ctx, Command{Path: "/bin/echo"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecuteRedactsOutput(t *testing.T) {
	res, err := New().Execute(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo 'Authorization: Bearer abc123'; echo 'password=hunter2' >&2"},
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "abc123")
	assert.Contains(t, res.Stdout, "Bearer [REDACTED]")
	assert.NotContains(t, res.Stderr, "hunter2")
}

func TestExecuteLaunchFailure(t *testing.T) {
	_, err := New().Execute(context.Background(), Command{Path: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.CommandFailed))

	_, err = New().Execute(context.Background(), Command{})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestExecuteStdin(t *testing.T) {
	res, err := New().Execute(context.Background(), Command{
		Path:  "/bin/cat",
		Stdin: strings.NewReader("piped"),
	})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)
}
