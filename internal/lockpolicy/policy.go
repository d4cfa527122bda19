package lockpolicy

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/metrics"
)

// Entry records who holds a key and since when.
type Entry struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Policy is a registry of advisory, non-reentrant locks keyed by a logical
// resource (device UDID, workspace path, debug target). A busy key fails fast:
// there is no queuing and no timeout. Callers release in a defer.
type Policy struct {
	mu      sync.Mutex
	entries map[string]Entry
	files   map[string]*flock.Flock

	lockDir string
	rec     *history.Recorder
	now     func() time.Time
}

type Option func(*Policy)

// WithLockDir mirrors every held key as a file lock under dir so other
// processes on the same host observe it too.
func WithLockDir(dir string) Option { return func(p *Policy) { p.lockDir = dir } }

func WithHistory(r *history.Recorder) Option { return func(p *Policy) { p.rec = r } }

func New(opts ...Option) *Policy {
	p := &Policy{
		entries: make(map[string]Entry),
		files:   make(map[string]*flock.Flock),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire takes key for owner. It returns a ResourceBusy error whose
// "heldBy" detail names the current holder when the key is taken, including
// when the same owner asks twice.
func (p *Policy) Acquire(key, owner string) error {
	if key == "" {
		return apperr.New(apperr.InvalidInput, "lock key is empty")
	}
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return p.denied(key, owner, e.Owner)
	}
	if p.lockDir != "" {
		fl, heldBy, err := p.lockFile(key, owner)
		if err != nil {
			p.mu.Unlock()
			return apperr.Wrap(apperr.Internal, err, "lock file for %q", key)
		}
		if fl == nil {
			p.mu.Unlock()
			return p.denied(key, owner, heldBy)
		}
		p.files[key] = fl
	}
	p.entries[key] = Entry{Key: key, Owner: owner, AcquiredAt: p.now()}
	p.mu.Unlock()

	slog.Debug("Lock acquired", "key", key, "owner", owner)
	return nil
}

func (p *Policy) denied(key, owner, heldBy string) error {
	metrics.IncLockDenied()
	slog.Info("Lock denied", "key", key, "owner", owner, "heldBy", heldBy)
	p.rec.Record(history.Event{
		Type:   history.EventLockDenied,
		Kind:   "lock",
		Target: key,
		Detail: owner + " blocked by " + heldBy,
	})
	return apperr.New(apperr.ResourceBusy, "%s is busy (held by %s)", key, heldBy).
		WithDetail("key", key).
		WithDetail("heldBy", heldBy)
}

// Release drops key. Releasing a free key is a no-op.
func (p *Policy) Release(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	fl := p.files[key]
	delete(p.files, key)
	p.mu.Unlock()

	if fl != nil {
		_ = os.Remove(ownerPath(fl.Path()))
		_ = fl.Unlock()
	}
	if ok {
		slog.Debug("Lock released", "key", key, "owner", e.Owner, "held", p.now().Sub(e.AcquiredAt))
	}
}

func (p *Policy) IsLocked(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Holder returns the entry for key if it is held by this process.
func (p *Policy) Holder(key string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

// Snapshot lists held keys sorted by key.
func (p *Policy) Snapshot() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Guard runs fn while holding key and always releases afterwards.
func (p *Policy) Guard(key, owner string, fn func() error) error {
	if err := p.Acquire(key, owner); err != nil {
		return err
	}
	defer p.Release(key)
	return fn()
}

// lockFile tries a non-blocking flock for key. A nil lock with no error means
// another process holds it; heldBy is then read from its owner file.
func (p *Policy) lockFile(key, owner string) (*flock.Flock, string, error) {
	if err := os.MkdirAll(p.lockDir, 0o750); err != nil {
		return nil, "", err
	}
	path := filepath.Join(p.lockDir, url.PathEscape(key)+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, "", err
	}
	if !ok {
		heldBy := "another process"
		if b, err := os.ReadFile(ownerPath(path)); err == nil && len(b) > 0 {
			heldBy = strings.TrimSpace(string(b))
		}
		return nil, heldBy, nil
	}
	if err := os.WriteFile(ownerPath(path), []byte(owner+"\n"), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, "", err
	}
	return fl, "", nil
}

func ownerPath(lockPath string) string {
	return strings.TrimSuffix(lockPath, ".lock") + ".owner"
}
