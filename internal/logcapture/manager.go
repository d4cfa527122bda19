package logcapture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/executor"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/process"
	"github.com/loykin/simvisor/internal/ringbuf"
)

const (
	// DefaultMaxPayloadBytes is the per-session sizing input for the ring.
	DefaultMaxPayloadBytes int64 = 10 << 20
	// approxEntryBytes turns the payload guidance into an item count.
	approxEntryBytes = 512
	// maxLineBytes bounds a single ndjson line; longer lines are skipped.
	maxLineBytes = 1 << 20

	kind        = "logcapture"
	stopGrace   = 2 * time.Second
	readerGrace = 2 * time.Second
)

// DefaultBufferSize is the entry capacity used when Options.BufferSize is 0.
var DefaultBufferSize = ringbuf.CapacityFor(DefaultMaxPayloadBytes, approxEntryBytes)

// Options configures one capture session.
type Options struct {
	Target     string `json:"target"`
	Filter     string `json:"filter,omitempty"`
	BufferSize int    `json:"bufferSize,omitempty"`
}

// Result is the final snapshot returned by Stop.
type Result struct {
	ID            string        `json:"id"`
	Entries       []Entry       `json:"entries"`
	Dropped       uint64        `json:"dropped"`
	TotalReceived uint64        `json:"totalReceived"`
	Duration      time.Duration `json:"duration"`
}

// Stats is a live view of a session.
type Stats struct {
	ID            string    `json:"id"`
	Target        string    `json:"target"`
	Filter        string    `json:"filter,omitempty"`
	PID           int       `json:"pid"`
	Buffered      int       `json:"buffered"`
	Capacity      int       `json:"capacity"`
	Dropped       uint64    `json:"dropped"`
	TotalReceived uint64    `json:"totalReceived"`
	StartedAt     time.Time `json:"startedAt"`
}

// StreamArgsFunc builds the argv of the streaming subprocess.
type StreamArgsFunc func(o Options) []string

// ShowArgsFunc builds the argv of a one-shot `log show`.
type ShowArgsFunc func(target, filter, last string) []string

// DefaultStreamArgs runs `log stream` inside the simulator.
func DefaultStreamArgs(o Options) []string {
	args := []string{"xcrun", "simctl", "spawn", o.Target, "log", "stream", "--style", "ndjson", "--level", "debug"}
	if o.Filter != "" {
		args = append(args, "--predicate", o.Filter)
	}
	return args
}

func DefaultShowArgs(target, filter, last string) []string {
	args := []string{"xcrun", "simctl", "spawn", target, "log", "show", "--style", "ndjson", "--last", last}
	if filter != "" {
		args = append(args, "--predicate", filter)
	}
	return args
}

type session struct {
	id        string
	opts      Options
	startedAt time.Time
	h         *process.Handle

	mu    sync.Mutex
	buf   *ringbuf.Buffer[Entry]
	total uint64

	readerDone chan struct{}
}

// Manager owns streaming log-capture sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	bufferSize      int
	maxPayloadBytes int64
	streamArgs      StreamArgsFunc
	showArgs        ShowArgsFunc
	exec            *executor.Executor
	base            *env.Env
	rec             *history.Recorder
}

type Option func(*Manager)

func WithDefaultBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

func WithMaxPayloadBytes(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPayloadBytes = n
		}
	}
}

func WithStreamArgs(f StreamArgsFunc) Option { return func(m *Manager) { m.streamArgs = f } }

func WithShowArgs(f ShowArgsFunc) Option { return func(m *Manager) { m.showArgs = f } }

func WithExecutor(e *executor.Executor) Option { return func(m *Manager) { m.exec = e } }

func WithHistory(r *history.Recorder) Option { return func(m *Manager) { m.rec = r } }

// WithBaseEnv sets the environment of the streaming subprocess.
func WithBaseEnv(b *env.Env) Option { return func(m *Manager) { m.base = b } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:        make(map[string]*session),
		bufferSize:      DefaultBufferSize,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		streamArgs:      DefaultStreamArgs,
		showArgs:        DefaultShowArgs,
	}
	for _, o := range opts {
		o(m)
	}
	if m.exec == nil {
		m.exec = executor.New()
	}
	return m
}

func validTarget(t string) error {
	if t == "" {
		return apperr.New(apperr.InvalidInput, "target is required")
	}
	if strings.HasPrefix(t, "-") {
		return apperr.New(apperr.InvalidInput, "invalid target %q", t)
	}
	return nil
}

// Start launches the streaming subprocess and its reader. The session runs
// until Stop or StopAll.
func (m *Manager) Start(ctx context.Context, o Options) (string, error) {
	if err := validTarget(o.Target); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.BufferSize < 0 {
		return "", apperr.New(apperr.InvalidInput, "bufferSize must not be negative")
	}
	if o.BufferSize == 0 {
		o.BufferSize = m.bufferSize
	}

	argv := m.streamArgs(o)
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv form
	if m.base != nil {
		cmd.Env = m.base.Merge(nil)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "log stream pipe")
	}
	// stderr shares the pipe; its non-JSON lines are dropped by the parser.
	cmd.Stdout = pw
	cmd.Stderr = pw
	h, err := process.Start(cmd)
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return "", apperr.Wrap(apperr.CommandFailed, err, "launch log stream for %s", o.Target)
	}

	s := &session{
		id:         uuid.NewString(),
		opts:       o,
		startedAt:  time.Now(),
		h:          h,
		buf:        ringbuf.New[Entry](o.BufferSize, m.maxPayloadBytes, approxSize),
		readerDone: make(chan struct{}),
	}
	go s.read(pr)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	metrics.SessionStarted(kind)
	m.rec.Record(history.Event{Type: history.EventSessionStarted, Kind: kind, SessionID: s.id, Target: o.Target, Detail: o.Filter})
	slog.Info("Log capture started", "id", s.id, "target", o.Target, "filter", o.Filter, "bufferSize", o.BufferSize)
	return s.id, nil
}

// read is the only writer of s.buf. It returns when the pipe closes.
func (s *session) read(r io.ReadCloser) {
	defer close(s.readerDone)
	defer func() { _ = r.Close() }()

	br := bufio.NewReaderSize(r, 64<<10)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized && len(line)+len(chunk) <= maxLineBytes {
			line = append(line, chunk...)
		} else {
			oversized = true
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			slog.Debug("Log line too long, skipped", "id", s.id)
		} else {
			s.ingest(line)
		}
		line = line[:0]
		oversized = false
		if err != nil {
			return
		}
	}
}

func (s *session) ingest(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	e, ok := ParseLine(line)
	if !ok {
		return
	}
	s.mu.Lock()
	before := s.buf.Dropped()
	s.buf.Append(e)
	s.total++
	wrapped := s.buf.Dropped() > before && before == 0
	s.mu.Unlock()

	if wrapped {
		slog.Debug("Log capture buffer full, dropping oldest entries", "id", s.id, "capacity", s.buf.Cap())
	}
}

func (s *session) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:            s.id,
		Target:        s.opts.Target,
		Filter:        s.opts.Filter,
		PID:           s.h.PID(),
		Buffered:      s.buf.Len(),
		Capacity:      s.buf.Cap(),
		Dropped:       s.buf.Dropped(),
		TotalReceived: s.total,
		StartedAt:     s.startedAt,
	}
}

// Stop terminates the stream, joins the reader and returns the buffered
// entries oldest first. The session is removed.
func (m *Manager) Stop(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return Result{}, apperr.NotFound("log capture session", id)
	}
	return m.finish(s), nil
}

func (m *Manager) finish(s *session) Result {
	s.h.Stop(syscall.SIGTERM, stopGrace)
	select {
	case <-s.readerDone:
	case <-time.After(readerGrace):
		slog.Warn("Log capture reader did not finish", "id", s.id)
	}

	s.mu.Lock()
	res := Result{
		ID:            s.id,
		Entries:       s.buf.ToSlice(),
		Dropped:       s.buf.Dropped(),
		TotalReceived: s.total,
		Duration:      time.Since(s.startedAt),
	}
	s.mu.Unlock()

	metrics.SessionStopped(kind)
	metrics.AddLogEntriesDropped(res.Dropped)
	m.rec.Record(history.Event{
		Type:      history.EventSessionStopped,
		Kind:      kind,
		SessionID: s.id,
		Target:    s.opts.Target,
		Detail:    "entries=" + strconv.Itoa(len(res.Entries)) + " dropped=" + strconv.FormatUint(res.Dropped, 10),
	})
	slog.Info("Log capture stopped", "id", s.id, "entries", len(res.Entries),
		"dropped", res.Dropped, "received", res.TotalReceived, "duration", res.Duration)
	return res
}

// Status reports counters without stopping the session.
func (m *Manager) Status(id string) (Stats, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, apperr.NotFound("log capture session", id)
	}
	return s.stats(), nil
}

func (m *Manager) List() []Stats {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(all))
	for _, s := range all {
		out = append(out, s.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StopAll stops every live session and discards their results.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			m.finish(s)
		}(s)
	}
	wg.Wait()
}

// Show runs a one-shot `log show` for the last window (e.g. "5m") and parses
// its output with the same rules as a live capture.
func (m *Manager) Show(ctx context.Context, target, filter, last string) ([]Entry, error) {
	if err := validTarget(target); err != nil {
		return nil, err
	}
	if last == "" {
		last = "1m"
	}
	argv := m.showArgs(target, filter, last)
	res, err := m.exec.Execute(ctx, executor.Command{Path: argv[0], Args: argv[1:]})
	if err != nil {
		return nil, err
	}
	if err := res.Check(); err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range strings.Split(res.Stdout, "\n") {
		if e, ok := ParseLine([]byte(line)); ok {
			out = append(out, e)
		}
	}
	return out, nil
}
