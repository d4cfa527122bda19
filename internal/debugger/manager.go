package debugger

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/process"
	"github.com/loykin/simvisor/internal/redact"
)

const (
	DefaultPrompt        = "(lldb) "
	DefaultPromptTimeout = 10 * time.Second
	DefaultAttachTimeout = 30 * time.Second

	kind        = "debugger"
	quitGrace   = time.Second
	readerGrace = 2 * time.Second
)

// DefaultCommand launches lldb without ANSI colouring so the prompt marker
// is matched byte for byte.
var DefaultCommand = []string{"xcrun", "lldb", "--no-use-colors"}

// SessionInfo is the public view of a live debug session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager owns interactive debugger sessions. Its mutex only guards the
// session map; it is never held while talking to a subprocess.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	command       []string
	prompt        string
	promptTimeout time.Duration
	attachTimeout time.Duration
	redactor      *redact.Redactor
	base          *env.Env
	rec           *history.Recorder
}

type Option func(*Manager)

// WithCommand overrides the debugger argv.
func WithCommand(argv ...string) Option {
	return func(m *Manager) {
		if len(argv) > 0 {
			m.command = append([]string(nil), argv...)
		}
	}
}

func WithPrompt(p string) Option {
	return func(m *Manager) {
		if p != "" {
			m.prompt = p
		}
	}
}

func WithPromptTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.promptTimeout = d
		}
	}
}

func WithAttachTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.attachTimeout = d
		}
	}
}

func WithRedactor(r *redact.Redactor) Option { return func(m *Manager) { m.redactor = r } }

func WithHistory(r *history.Recorder) Option { return func(m *Manager) { m.rec = r } }

// WithBaseEnv sets the debugger's environment. Without it the process
// environment is inherited.
func WithBaseEnv(b *env.Env) Option { return func(m *Manager) { m.base = b } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*session),
		command:       DefaultCommand,
		prompt:        DefaultPrompt,
		promptTimeout: DefaultPromptTimeout,
		attachTimeout: DefaultAttachTimeout,
		redactor:      redact.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Attach starts a debugger, attaches it to t and returns the session id once
// the attach response has been read. On any failure the subprocess is torn down.
func (m *Manager) Attach(ctx context.Context, t Target) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}

	cmd := exec.Command(m.command[0], m.command[1:]...) // #nosec G204 -- configured argv
	if m.base != nil {
		cmd.Env = m.base.Merge(nil)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "debugger stdin")
	}
	// stdout and stderr share one pipe so errors interleave with the prompt.
	pr, pw, err := os.Pipe()
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "debugger output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	h, err := process.Start(cmd)
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		_ = stdin.Close()
		return "", apperr.Wrap(apperr.CommandFailed, err, "launch debugger %s", strings.Join(m.command, " "))
	}

	s := newSession(uuid.NewString(), t, m.prompt, m.redactor, h, stdin)
	go s.read(pr)

	if _, err := s.waitPrompt(ctx, m.attachTimeout); err != nil {
		m.teardown(s, false)
		return "", err
	}
	if err := s.send(t.attachCommand()); err != nil {
		m.teardown(s, false)
		return "", apperr.Wrap(apperr.CommandFailed, err, "write attach command")
	}
	out, err := s.waitPrompt(ctx, m.attachTimeout)
	if err != nil {
		m.teardown(s, false)
		return "", err
	}
	if strings.Contains(out, "error:") {
		m.teardown(s, false)
		return "", apperr.New(apperr.CommandFailed, "attach to %s failed", t).WithDetail("output", out)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	metrics.SessionStarted(kind)
	m.rec.Record(history.Event{Type: history.EventSessionStarted, Kind: kind, SessionID: s.id, Target: t.String()})
	slog.Info("Debug session attached", "id", s.id, "target", t.String(), "pid", h.PID())
	return s.id, nil
}

// SendCommand runs one debugger command and returns its output without the
// prompt. timeout <= 0 uses the manager default. Commands on one session run
// one at a time; different sessions do not block each other.
func (m *Manager) SendCommand(ctx context.Context, id, text string, timeout time.Duration) (string, error) {
	if strings.ContainsAny(text, "\r\n") {
		return "", apperr.New(apperr.InvalidInput, "debugger command must be a single line")
	}
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = m.promptTimeout
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.clear()
	if err := s.send(text); err != nil {
		m.dropIfExited(s)
		return "", apperr.Wrap(apperr.CommandFailed, err, "write to debugger session %s", id)
	}
	out, err := s.waitPrompt(ctx, timeout)
	if err != nil {
		slog.Debug("Debugger command did not complete", "id", id, "error", err)
		m.dropIfExited(s)
		return "", err
	}
	return out, nil
}

// dropIfExited unregisters and tears down s once its debugger is gone, so
// later calls report an unknown session instead of failing the same way.
func (m *Manager) dropIfExited(s *session) {
	if !s.exited() {
		return
	}
	m.mu.Lock()
	cur, ok := m.sessions[s.id]
	if ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	if ok && cur == s {
		slog.Warn("Debugger exited, session removed", "id", s.id, "exitCode", s.h.ExitCode())
		m.teardown(s, true)
	}
}

// Detach ends a session: best-effort "process detach" and "quit", then the
// debugger is killed regardless and reaped.
func (m *Manager) Detach(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("debug session", id)
	}
	m.teardown(s, true)
	return nil
}

func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{ID: s.id, Target: s.target.String(), PID: s.h.PID(), StartedAt: s.startedAt})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StopAll detaches every session concurrently.
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
			m.teardown(s, true)
		}(s)
	}
	wg.Wait()
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("debug session", id)
	}
	return s, nil
}

// teardown stops the subprocess and joins the reader. registered marks
// sessions that were handed out and therefore counted in metrics.
func (m *Manager) teardown(s *session, registered bool) {
	if !s.h.Exited() {
		_ = s.send("process detach")
		_ = s.send("quit")
		select {
		case <-s.h.Done():
		case <-time.After(quitGrace):
		}
	}
	s.h.Kill()
	_ = s.stdin.Close()
	select {
	case <-s.readerDone:
	case <-time.After(readerGrace):
		slog.Warn("Debugger output reader did not finish", "id", s.id)
	}

	if registered {
		metrics.SessionStopped(kind)
		m.rec.Record(history.Event{Type: history.EventSessionStopped, Kind: kind, SessionID: s.id, Target: s.target.String()})
		slog.Info("Debug session detached", "id", s.id, "target", s.target.String())
	}
}
