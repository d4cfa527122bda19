//go:build !windows

package logcapture

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/process"
)

const sampleLines = `Filtering the log data using "subsystem == \"com.example\""
{"timestamp":"t1","processImagePath":"/usr/bin/a","processID":1,"eventMessage":"one"}

{"timestamp":"t2","processImagePath":"/usr/bin/b","processID":2,"eventMessage":"two"}
not json at all
{"timestamp":"t3","processImagePath":"/usr/bin/c","processID":3,"eventMessage":"three"}
`

// shellStream returns a stream builder that prints body and then idles like
// a real `log stream` would.
func shellStream(body string) StreamArgsFunc {
	return func(o Options) []string {
		return []string{"/bin/sh", "-c", "cat <<'EOF'\n" + body + "EOF\nexec sleep 30"}
	}
}

func waitReceived(t *testing.T, m *Manager, id string, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.Status(id)
		return err == nil && st.TotalReceived >= n
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCaptureDropsUnparsableLines(t *testing.T) {
	m := NewManager(WithStreamArgs(shellStream(sampleLines)))
	ctx := context.Background()
	id, err := m.Start(ctx, Options{Target: "booted"})
	require.NoError(t, err)
	waitReceived(t, m, id, 3)

	pid := m.List()[0].PID
	res, err := m.Stop(ctx, id)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, uint64(3), res.TotalReceived)
	assert.Equal(t, uint64(0), res.Dropped)
	assert.Equal(t, []string{"one", "two", "three"}, []string{res.Entries[0].Message, res.Entries[1].Message, res.Entries[2].Message})
	assert.Equal(t, "b", res.Entries[1].ProcessName)
	assert.False(t, process.Alive(pid))

	_, err = m.Stop(ctx, id)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	_, err = m.Status(id)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestCaptureRingWraps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, `{"eventMessage":"m%d"}`+"\n", i)
	}
	m := NewManager(WithStreamArgs(shellStream(b.String())))
	ctx := context.Background()
	id, err := m.Start(ctx, Options{Target: "booted", BufferSize: 4})
	require.NoError(t, err)
	waitReceived(t, m, id, 10)

	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Buffered)
	assert.Equal(t, 4, st.Capacity)

	res, err := m.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.TotalReceived)
	assert.Equal(t, uint64(6), res.Dropped)
	got := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"m6", "m7", "m8", "m9"}, got)
}

func TestCaptureStreamArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"xcrun", "simctl", "spawn", "booted", "log", "stream", "--style", "ndjson", "--level", "debug"},
		DefaultStreamArgs(Options{Target: "booted"}))
	args := DefaultStreamArgs(Options{Target: "ABCD", Filter: `subsystem == "com.example"`})
	assert.Equal(t, []string{"--predicate", `subsystem == "com.example"`}, args[len(args)-2:])

	show := DefaultShowArgs("booted", "", "5m")
	assert.Equal(t, []string{"--last", "5m"}, show[len(show)-2:])
}

func TestCaptureValidation(t *testing.T) {
	m := NewManager(WithStreamArgs(shellStream("")))
	ctx := context.Background()
	_, err := m.Start(ctx, Options{})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	_, err = m.Start(ctx, Options{Target: "--help"})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	_, err = m.Start(ctx, Options{Target: "booted", BufferSize: -1})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestCaptureDefaultBufferSize(t *testing.T) {
	m := NewManager(WithStreamArgs(shellStream("")), WithDefaultBufferSize(7))
	ctx := context.Background()
	id, err := m.Start(ctx, Options{Target: "booted"})
	require.NoError(t, err)
	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Capacity)
	m.StopAll(ctx)
	assert.Empty(t, m.List())

	assert.Equal(t, 20480, DefaultBufferSize)
}

func TestCaptureStopAll(t *testing.T) {
	m := NewManager(WithStreamArgs(shellStream(sampleLines)))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Start(ctx, Options{Target: "booted"})
		require.NoError(t, err)
	}
	var pids []int
	for _, st := range m.List() {
		pids = append(pids, st.PID)
	}
	require.Len(t, pids, 3)
	m.StopAll(ctx)
	assert.Empty(t, m.List())
	for _, pid := range pids {
		assert.False(t, process.Alive(pid))
	}
}

func TestCaptureSubprocessExitsEarly(t *testing.T) {
	m := NewManager(WithStreamArgs(func(Options) []string {
		return []string{"/bin/sh", "-c", `echo '{"eventMessage":"last words"}'; exit 1`}
	}))
	ctx := context.Background()
	id, err := m.Start(ctx, Options{Target: "booted"})
	require.NoError(t, err)
	waitReceived(t, m, id, 1)
	res, err := m.Stop(ctx, id)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "last words", res.Entries[0].Message)
}

func TestShow(t *testing.T) {
	m := NewManager(WithShowArgs(func(target, filter, last string) []string {
		return []string{"/bin/sh", "-c", "cat <<'EOF'\n" + sampleLines + "EOF\n"}
	}))
	entries, err := m.Show(context.Background(), "booted", "", "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "three", entries[2].Message)

	failing := NewManager(WithShowArgs(func(string, string, string) []string {
		return []string{"/bin/sh", "-c", "echo 'Invalid device' >&2; exit 2"}
	}))
	_, err = failing.Show(context.Background(), "nope", "", "1m")
	assert.True(t, apperr.IsKind(err, apperr.CommandFailed))
}
