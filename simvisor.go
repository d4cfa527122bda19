package simvisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/artifact"
	"github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/internal/debugger"
	"github.com/loykin/simvisor/internal/executor"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/history/factory"
	"github.com/loykin/simvisor/internal/lockpolicy"
	"github.com/loykin/simvisor/internal/logcapture"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/recorder"
	"github.com/loykin/simvisor/internal/redact"
	"github.com/loykin/simvisor/internal/server"
)

// Re-export core types for external consumers.

type Config = config.Config

type (
	Command          = executor.Command
	CommandResult    = executor.Result
	DebugTarget      = debugger.Target
	LogOptions       = logcapture.Options
	LogResult        = logcapture.Result
	LogEntry         = logcapture.Entry
	RecordingResult  = recorder.Result
	ArtifactRef      = artifact.Reference
	ArtifactEntry    = artifact.Entry
	LockEntry        = lockpolicy.Entry
	SubprocessSample = metrics.Sample
	Status           = server.Status
)

// Core owns one instance of every manager. Nothing is package-global, so
// several cores can live in one process (tests do this).
type Core struct {
	startedAt time.Time
	history   *history.Recorder
	sampler   *metrics.Sampler

	locks     *lockpolicy.Policy
	exec      *executor.Executor
	debug     *debugger.Manager
	logs      *logcapture.Manager
	recorder  *recorder.Manager
	artifacts *artifact.Store

	mu           sync.Mutex
	sessionLocks map[string]string

	shutdownOnce sync.Once
}

// New wires the managers from cfg. History sinks are opened here and closed
// by Shutdown.
func New(cfg Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, err := redact.Patterns(cfg.Redact.ExtraPatterns...)
	if err != nil {
		return nil, fmt.Errorf("redact.extra_patterns: %w", err)
	}
	redactor := redact.New(rules...)

	base, err := cfg.Exec.BaseEnv()
	if err != nil {
		return nil, err
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	rec := history.NewRecorder(sinks...)

	store, err := artifact.New(cfg.Artifacts.Dir,
		artifact.WithMaxBytes(cfg.Artifacts.MaxBytes),
		artifact.WithTTL(cfg.Artifacts.TTL),
		artifact.WithHistory(rec),
	)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	exec := executor.New(
		executor.WithRedactor(redactor),
		executor.WithDefaultTimeout(cfg.Timeouts.Command),
		executor.WithBaseEnv(base),
	)

	c := &Core{
		startedAt: time.Now(),
		history:   rec,
		locks: lockpolicy.New(
			lockpolicy.WithLockDir(cfg.Locks.Dir),
			lockpolicy.WithHistory(rec),
		),
		exec: exec,
		debug: debugger.NewManager(
			debugger.WithCommand(cfg.Debugger.Command...),
			debugger.WithPrompt(cfg.Debugger.Prompt),
			debugger.WithPromptTimeout(cfg.Timeouts.Prompt),
			debugger.WithAttachTimeout(cfg.Timeouts.Attach),
			debugger.WithRedactor(redactor),
			debugger.WithBaseEnv(base),
			debugger.WithHistory(rec),
		),
		logs: logcapture.NewManager(
			logcapture.WithDefaultBufferSize(cfg.LogCapture.DefaultBufferSize),
			logcapture.WithMaxPayloadBytes(cfg.LogCapture.MaxPayloadBytes),
			logcapture.WithExecutor(exec),
			logcapture.WithBaseEnv(base),
			logcapture.WithHistory(rec),
		),
		recorder: recorder.NewManager(
			recorder.WithDir(cfg.Recorder.Dir),
			recorder.WithGracePeriod(cfg.Recorder.GracePeriod),
			recorder.WithExecutor(exec),
			recorder.WithBaseEnv(base),
			recorder.WithHistory(rec),
		),
		artifacts:    store,
		sessionLocks: make(map[string]string),
	}
	c.sampler = metrics.NewSampler(0, c.subprocesses)
	return c, nil
}

func (c *Core) Locks() *lockpolicy.Policy       { return c.locks }
func (c *Core) Executor() *executor.Executor    { return c.exec }
func (c *Core) Debugger() *debugger.Manager     { return c.debug }
func (c *Core) LogCapture() *logcapture.Manager { return c.logs }
func (c *Core) Recorder() *recorder.Manager     { return c.recorder }
func (c *Core) Store() *artifact.Store          { return c.artifacts }

// StartSampler begins periodic RSS sampling of session subprocesses. It stops
// with ctx or Shutdown.
func (c *Core) StartSampler(ctx context.Context) { c.sampler.Start(ctx) }

// Lock keys. One-shot device operations share the device key; long-lived
// sessions take a key of their own so a recording does not block screenshots
// of the same simulator.
func DeviceKey(target string) string    { return "device:" + target }
func RecordingKey(target string) string { return "recording:" + target }
func DebugKey(t DebugTarget) string     { return "debug:" + t.String() }

func lockOwner(op string) string { return op + "@" + strconv.Itoa(os.Getpid()) }

func (c *Core) holdSession(id, key string) {
	c.mu.Lock()
	c.sessionLocks[id] = key
	c.mu.Unlock()
}

// releaseSession drops the key held for session id and reports whether there
// was one.
func (c *Core) releaseSession(id string) bool {
	c.mu.Lock()
	key, ok := c.sessionLocks[id]
	delete(c.sessionLocks, id)
	c.mu.Unlock()
	if ok {
		c.locks.Release(key)
	}
	return ok
}

// Screenshot captures target into the artifact store while holding the
// device key.
func (c *Core) Screenshot(ctx context.Context, target string) (ArtifactRef, error) {
	var ref ArtifactRef
	err := c.locks.Guard(DeviceKey(target), lockOwner("screenshot"), func() error {
		var err error
		ref, err = c.recorder.Screenshot(ctx, target, c.artifacts)
		return err
	})
	return ref, err
}

// ShowLogs runs a one-shot log query against target while holding the
// device key.
func (c *Core) ShowLogs(ctx context.Context, target, filter, last string) ([]LogEntry, error) {
	var entries []LogEntry
	err := c.locks.Guard(DeviceKey(target), lockOwner("logs"), func() error {
		var err error
		entries, err = c.logs.Show(ctx, target, filter, last)
		return err
	})
	return entries, err
}

// StartRecording begins recording target. The recording key stays held
// until the recording is stopped.
func (c *Core) StartRecording(ctx context.Context, target string) (string, error) {
	key := RecordingKey(target)
	if err := c.locks.Acquire(key, lockOwner("recording")); err != nil {
		return "", err
	}
	id, err := c.recorder.Start(ctx, target)
	if err != nil {
		c.locks.Release(key)
		return "", err
	}
	c.holdSession(id, key)
	return id, nil
}

// StopRecording stops a recording and releases its key.
func (c *Core) StopRecording(ctx context.Context, id string) (RecordingResult, error) {
	defer c.releaseSession(id)
	return c.recorder.Stop(ctx, id)
}

// StopRecordingToStore stops a recording, moves the video into the artifact
// store and releases the recording key.
func (c *Core) StopRecordingToStore(ctx context.Context, id string) (RecordingResult, ArtifactRef, error) {
	defer c.releaseSession(id)
	return c.recorder.StopToStore(ctx, id, c.artifacts)
}

// AttachDebugger attaches to t. The debug key stays held until the session
// is detached.
func (c *Core) AttachDebugger(ctx context.Context, t DebugTarget) (string, error) {
	key := DebugKey(t)
	if err := c.locks.Acquire(key, lockOwner("debugger")); err != nil {
		return "", err
	}
	id, err := c.debug.Attach(ctx, t)
	if err != nil {
		c.locks.Release(key)
		return "", err
	}
	c.holdSession(id, key)
	return id, nil
}

// DetachDebugger ends a debug session and releases its key, also when the
// debugger had already exited on its own.
func (c *Core) DetachDebugger(ctx context.Context, id string) error {
	err := c.debug.Detach(ctx, id)
	if c.releaseSession(id) && apperr.IsKind(err, apperr.InvalidInput) {
		return nil
	}
	return err
}

func (c *Core) subprocesses() []metrics.Subprocess {
	var out []metrics.Subprocess
	for _, s := range c.debug.List() {
		out = append(out, metrics.Subprocess{Kind: "debugger", ID: s.ID, PID: s.PID})
	}
	for _, s := range c.logs.List() {
		out = append(out, metrics.Subprocess{Kind: "logcapture", ID: s.ID, PID: s.PID})
	}
	for _, s := range c.recorder.List() {
		out = append(out, metrics.Subprocess{Kind: "recorder", ID: s.ID, PID: s.PID})
	}
	return out
}

// Status implements server.Source.
func (c *Core) Status() Status {
	return Status{
		StartedAt:    c.startedAt,
		Locks:        c.locks.Snapshot(),
		Debug:        c.debug.List(),
		LogCapture:   c.logs.List(),
		Recordings:   c.recorder.List(),
		Artifacts:    c.artifacts.Usage(),
		Subprocesses: c.sampler.Latest(),
	}
}

// Artifacts implements server.Source.
func (c *Core) Artifacts() []ArtifactEntry { return c.artifacts.List() }

// Artifact implements server.Source.
func (c *Core) Artifact(id string) (ArtifactEntry, error) { return c.artifacts.Get(id) }

// Shutdown stops every live session concurrently, then flushes and closes the
// history sinks. Recording files are finalized and left on disk. Safe to call
// more than once.
func (c *Core) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.sampler.Stop()
		var wg sync.WaitGroup
		for _, stop := range []func(context.Context){c.debug.StopAll, c.logs.StopAll, c.recorder.StopAll} {
			wg.Add(1)
			go func(stop func(context.Context)) {
				defer wg.Done()
				stop(ctx)
			}(stop)
		}
		wg.Wait()
		c.mu.Lock()
		ids := make([]string, 0, len(c.sessionLocks))
		for id := range c.sessionLocks {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.releaseSession(id)
		}
		if err := c.history.Close(); err != nil {
			slog.Warn("History sinks did not close cleanly", "error", err)
		}
		slog.Info("Core shut down", "uptime", time.Since(c.startedAt))
	})
}
