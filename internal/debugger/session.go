package debugger

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/process"
	"github.com/loykin/simvisor/internal/redact"
)

// session is one live debugger subprocess. The reader goroutine is the only
// writer of buf; cmdMu serializes commands from concurrent callers.
type session struct {
	id        string
	target    Target
	prompt    string
	startedAt time.Time
	redactor  *redact.Redactor

	h     *process.Handle
	stdin io.WriteCloser

	cmdMu sync.Mutex

	bufMu  sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}

	readerDone chan struct{}
}

func newSession(id string, t Target, prompt string, r *redact.Redactor, h *process.Handle, stdin io.WriteCloser) *session {
	return &session{
		id:         id,
		target:     t,
		prompt:     prompt,
		redactor:   r,
		startedAt:  time.Now(),
		h:          h,
		stdin:      stdin,
		notify:     make(chan struct{}, 1),
		readerDone: make(chan struct{}),
	}
}

func (s *session) read(r io.ReadCloser) {
	defer close(s.readerDone)
	defer func() { _ = r.Close() }()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.bufMu.Lock()
			s.buf.Write(chunk[:n])
			s.bufMu.Unlock()
			s.wake()
		}
		if err != nil {
			return
		}
	}
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) clear() {
	s.bufMu.Lock()
	s.buf.Reset()
	s.bufMu.Unlock()
}

// take returns everything before the first prompt marker and keeps what
// follows it. The marker may appear anywhere in the stream.
func (s *session) take() (string, bool) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	data := s.buf.String()
	i := strings.Index(data, s.prompt)
	if i < 0 {
		return "", false
	}
	rest := data[i+len(s.prompt):]
	s.buf.Reset()
	s.buf.WriteString(rest)
	return data[:i], true
}

func (s *session) drain() string {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// exited reports whether the debugger's output has closed for good.
func (s *session) exited() bool {
	select {
	case <-s.readerDone:
		return true
	default:
		return false
	}
}

func (s *session) send(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// waitPrompt blocks until the marker shows up, the debugger exits, ctx ends
// or timeout elapses. Partial output is returned in error details and discarded.
func (s *session) waitPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	exited := false
	for {
		if out, ok := s.take(); ok {
			return s.redactor.Redact(strings.TrimSpace(out)), nil
		}
		if exited {
			partial := s.redactor.Redact(strings.TrimSpace(s.drain()))
			return "", apperr.New(apperr.CommandFailed, "debugger exited").
				WithDetail("partialOutput", partial)
		}
		select {
		case <-s.notify:
		case <-s.readerDone:
			exited = true
		case <-timer.C:
			partial := s.redactor.Redact(strings.TrimSpace(s.drain()))
			return "", apperr.New(apperr.Timeout, "no debugger prompt within %s", timeout).
				WithDetail("partialOutput", partial)
		case <-ctx.Done():
			s.drain()
			return "", ctx.Err()
		}
	}
}
