package recorder

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/artifact"
	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/executor"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/process"
)

const (
	DefaultGracePeriod = 10 * time.Second
	kind               = "recorder"
)

// RecordArgsFunc builds the argv that records target into path.
type RecordArgsFunc func(target, path string) []string

// ScreenshotArgsFunc builds the argv that writes one screenshot of target to path.
type ScreenshotArgsFunc func(target, path string) []string

func DefaultRecordArgs(target, path string) []string {
	return []string{"xcrun", "simctl", "io", target, "recordVideo", "--codec=h264", "--force", path}
}

func DefaultScreenshotArgs(target, path string) []string {
	return []string{"xcrun", "simctl", "io", target, "screenshot", path}
}

// Result describes a finished recording.
type Result struct {
	ID        string        `json:"id"`
	Target    string        `json:"target"`
	Path      string        `json:"path"`
	SizeBytes int64         `json:"sizeBytes"`
	Duration  time.Duration `json:"duration"`
	// Forced is set when the recorder ignored SIGINT and had to be killed;
	// the file is then likely unplayable.
	Forced bool `json:"forced"`
}

// SessionInfo is the public view of a live recording.
type SessionInfo struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type session struct {
	id        string
	target    string
	path      string
	startedAt time.Time
	h         *process.Handle
}

// Manager owns screen-recording subprocesses. Recordings need no reader: the
// tool writes straight to disk and finalizes the container on SIGINT.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	dir            string
	grace          time.Duration
	recordArgs     RecordArgsFunc
	screenshotArgs ScreenshotArgsFunc
	exec           *executor.Executor
	base           *env.Env
	rec            *history.Recorder
}

type Option func(*Manager)

// WithDir sets where recordings are written; defaults to os.TempDir().
func WithDir(dir string) Option { return func(m *Manager) { m.dir = dir } }

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithRecordArgs(f RecordArgsFunc) Option { return func(m *Manager) { m.recordArgs = f } }

func WithScreenshotArgs(f ScreenshotArgsFunc) Option {
	return func(m *Manager) { m.screenshotArgs = f }
}

func WithExecutor(e *executor.Executor) Option { return func(m *Manager) { m.exec = e } }

func WithHistory(r *history.Recorder) Option { return func(m *Manager) { m.rec = r } }

// WithBaseEnv sets the recorder subprocess environment.
func WithBaseEnv(b *env.Env) Option { return func(m *Manager) { m.base = b } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*session),
		grace:          DefaultGracePeriod,
		recordArgs:     DefaultRecordArgs,
		screenshotArgs: DefaultScreenshotArgs,
	}
	for _, o := range opts {
		o(m)
	}
	if m.dir == "" {
		m.dir = os.TempDir()
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

// Start begins recording target and returns immediately.
func (m *Manager) Start(ctx context.Context, target string) (string, error) {
	if err := validTarget(target); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "recording dir %s", m.dir)
	}
	id := uuid.NewString()
	path := filepath.Join(m.dir, "simvisor-recording-"+id+".mp4")

	argv := m.recordArgs(target, path)
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv form
	if m.base != nil {
		cmd.Env = m.base.Merge(nil)
	}
	h, err := process.Start(cmd)
	if err != nil {
		return "", apperr.Wrap(apperr.CommandFailed, err, "launch recorder for %s", target)
	}

	s := &session{id: id, target: target, path: path, startedAt: time.Now(), h: h}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.SessionStarted(kind)
	m.rec.Record(history.Event{Type: history.EventSessionStarted, Kind: kind, SessionID: id, Target: target})
	slog.Info("Recording started", "id", id, "target", target, "path", path, "pid", h.PID())
	return id, nil
}

// Stop interrupts the recorder so it can finalize the file, waits up to the
// grace period, then kills it. The size is read from disk afterwards and is
// 0 when the file cannot be stat'd.
func (m *Manager) Stop(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return Result{}, apperr.NotFound("recording session", id)
	}
	return m.finish(s), nil
}

func (m *Manager) finish(s *session) Result {
	// SIGINT, never SIGTERM: only an interrupt makes the recorder write the
	// container index.
	forced := s.h.Stop(syscall.SIGINT, m.grace)

	res := Result{
		ID:       s.id,
		Target:   s.target,
		Path:     s.path,
		Duration: time.Since(s.startedAt),
		Forced:   forced,
	}
	if fi, err := os.Stat(s.path); err == nil {
		res.SizeBytes = fi.Size()
	}

	metrics.SessionStopped(kind)
	detail := "size=" + strconv.FormatInt(res.SizeBytes, 10)
	if forced {
		detail += " forced"
		slog.Warn("Recorder ignored interrupt, killed", "id", s.id, "grace", m.grace)
	}
	m.rec.Record(history.Event{Type: history.EventSessionStopped, Kind: kind, SessionID: s.id, Target: s.target, Detail: detail})
	slog.Info("Recording stopped", "id", s.id, "path", s.path, "size", res.SizeBytes, "duration", res.Duration)
	return res
}

// StopToStore stops a recording and moves the file into store.
func (m *Manager) StopToStore(ctx context.Context, id string, store *artifact.Store) (Result, artifact.Reference, error) {
	res, err := m.Stop(ctx, id)
	if err != nil {
		return res, artifact.Reference{}, err
	}
	ref, err := store.PutFile(res.Path, "video/mp4")
	if err != nil {
		return res, artifact.Reference{}, err
	}
	res.Path = ref.Path
	return res, ref, nil
}

func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{ID: s.id, Target: s.target, Path: s.path, PID: s.h.PID(), StartedAt: s.startedAt})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StopAll finalizes every live recording concurrently. Files are left on disk.
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

// Screenshot captures one PNG of target through the executor and persists it
// in store.
func (m *Manager) Screenshot(ctx context.Context, target string, store *artifact.Store) (artifact.Reference, error) {
	if err := validTarget(target); err != nil {
		return artifact.Reference{}, err
	}
	tmp, err := os.MkdirTemp(m.dir, "simvisor-shot-")
	if err != nil {
		return artifact.Reference{}, apperr.Wrap(apperr.Internal, err, "screenshot temp dir")
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	path := filepath.Join(tmp, "screenshot.png")

	argv := m.screenshotArgs(target, path)
	res, err := m.exec.Execute(ctx, executor.Command{Path: argv[0], Args: argv[1:]})
	if err != nil {
		return artifact.Reference{}, err
	}
	if err := res.Check(); err != nil {
		return artifact.Reference{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return artifact.Reference{}, apperr.Wrap(apperr.CommandFailed, err, "screenshot was not written")
	}
	return store.Put(data, "screenshot.png", "")
}
