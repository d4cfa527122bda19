package process

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long we wait for the waiter after SIGKILL. A process in
// uninterruptible sleep can outlive it; callers then treat it as gone.
const killWait = 5 * time.Second

// ErrNotStarted is returned when a Handle is asked about a command that never ran.
var ErrNotStarted = errors.New("process not started")

// Status is a point-in-time view of a handle.
type Status struct {
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   error     `json:"-"`
}

// Handle owns a started subprocess placed in its own process group.
// Exactly one goroutine waits on the command; everyone else observes Done.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
}

// Start configures cmd for group signalling, starts it and spawns its waiter.
// Callers must not call cmd.Wait themselves.
func Start(cmd *exec.Cmd) (*Handle, error) {
	setGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{cmd: cmd, done: make(chan struct{}), startedAt: time.Now()}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int {
	if h == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the result of cmd.Wait; nil while running.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode returns the exit status, or -1 if the process is still running or
// was terminated by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() || h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	st := Status{
		PID:       h.PID(),
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
		ExitErr:   h.exitErr,
	}
	h.mu.Unlock()
	st.Running = !h.Exited()
	st.ExitCode = h.ExitCode()
	return st
}

// Signal delivers sig to the whole process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}
	pid := h.PID()
	if pid <= 0 {
		return ErrNotStarted
	}
	return signalGroup(pid, sig)
}

// Stop sends first to the group and waits up to grace for the process to
// exit. If it is still alive the group is killed. It reports whether SIGKILL
// was needed. Stop always returns with the process reaped unless the kernel
// refuses to deliver SIGKILL within killWait.
func (h *Handle) Stop(first syscall.Signal, grace time.Duration) (forced bool) {
	if h.Exited() {
		return false
	}
	_ = h.Signal(first)
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.done:
			return false
		case <-t.C:
		}
	}
	h.Kill()
	return true
}

// Kill sends SIGKILL to the group and waits for the waiter to reap it.
func (h *Handle) Kill() {
	if h.Exited() {
		return
	}
	_ = h.Signal(syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(killWait):
	}
}
