package artifact

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/metrics"
)

const (
	DefaultMaxBytes int64 = 1 << 30
	DefaultTTL            = 24 * time.Hour

	sweepLockName = ".sweep.lock"
)

// Entry is one stored artifact.
type Entry struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reference is what callers get back from Put.
type Reference struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type Usage struct {
	Count    int   `json:"count"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// Store keeps blobs under <root>/<id>/<name> with a total size cap and a TTL.
// The index is in memory; directories left by a previous process are
// reclaimed by CleanupStaleDirectories.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	total   int64

	root     string
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time
	rec      *history.Recorder
}

type Option func(*Store)

func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock replaces time.Now for entry timestamps and expiry checks.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithHistory(r *history.Recorder) Option { return func(s *Store) { s.rec = r } }

// New opens (creating if needed) a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, apperr.New(apperr.InvalidInput, "artifact root is empty")
	}
	s := &Store{
		entries:  make(map[string]Entry),
		root:     root,
		maxBytes: DefaultMaxBytes,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create artifact root %s", root)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func safeName(filename string) string {
	name := filepath.Base(filename)
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "artifact"
	}
	return name
}

// Put writes data and evicts the oldest entries until the total is within
// the cap. A blob larger than the cap is rejected. An empty mimeType is
// detected from content.
func (s *Store) Put(data []byte, filename, mimeType string) (Reference, error) {
	size := int64(len(data))
	if size > s.maxBytes {
		return Reference{}, apperr.New(apperr.InvalidInput, "artifact of %d bytes exceeds store cap of %d", size, s.maxBytes).
			WithDetail("size", size).
			WithDetail("maxBytes", s.maxBytes)
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Reference{}, apperr.Wrap(apperr.Internal, err, "create artifact dir")
	}
	path := filepath.Join(dir, safeName(filename))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		_ = os.RemoveAll(dir)
		return Reference{}, apperr.Wrap(apperr.Internal, err, "write artifact")
	}
	return s.register(id, path, mimeType, size), nil
}

// PutFile moves an existing file into the store.
func (s *Store) PutFile(src, mimeType string) (Reference, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return Reference{}, apperr.Wrap(apperr.InvalidInput, err, "artifact source %s", src)
	}
	if fi.IsDir() {
		return Reference{}, apperr.New(apperr.InvalidInput, "artifact source %s is a directory", src)
	}
	if fi.Size() > s.maxBytes {
		return Reference{}, apperr.New(apperr.InvalidInput, "artifact of %d bytes exceeds store cap of %d", fi.Size(), s.maxBytes).
			WithDetail("size", fi.Size()).
			WithDetail("maxBytes", s.maxBytes)
	}
	if mimeType == "" {
		if mt, err := mimetype.DetectFile(src); err == nil {
			mimeType = mt.String()
		} else {
			mimeType = "application/octet-stream"
		}
	}
	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Reference{}, apperr.Wrap(apperr.Internal, err, "create artifact dir")
	}
	dst := filepath.Join(dir, safeName(src))
	if err := moveFile(src, dst); err != nil {
		_ = os.RemoveAll(dir)
		return Reference{}, apperr.Wrap(apperr.Internal, err, "move artifact")
	}
	return s.register(id, dst, mimeType, fi.Size()), nil
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var le *os.LinkError
	if !errors.As(err, &le) || !errors.Is(le.Err, syscall.EXDEV) {
		return err
	}
	// different filesystem: copy then remove
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *Store) register(id, path, mimeType string, size int64) Reference {
	s.mu.Lock()
	e := Entry{ID: id, Path: path, MimeType: mimeType, Size: size, CreatedAt: s.now()}
	s.entries[id] = e
	s.total += size
	victims := s.overCapLocked(id)
	total := s.total
	s.mu.Unlock()

	s.remove(victims, "cap")
	metrics.SetArtifactBytes(total)
	s.rec.Record(history.Event{Type: history.EventArtifactStored, Kind: "artifact", SessionID: id, Target: path, Detail: mimeType})
	slog.Debug("Artifact stored", "id", id, "path", path, "size", size, "mimeType", mimeType)
	return Reference{ID: id, Path: path, MimeType: mimeType, Size: size}
}

// overCapLocked drops the oldest entries other than keep from the index until
// the total fits, and returns them for deletion on disk.
func (s *Store) overCapLocked(keep string) []Entry {
	if s.total <= s.maxBytes {
		return nil
	}
	ordered := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ID != keep {
			ordered = append(ordered, e)
		}
	}
	sortOldestFirst(ordered)
	var victims []Entry
	for _, e := range ordered {
		if s.total <= s.maxBytes {
			break
		}
		delete(s.entries, e.ID)
		s.total -= e.Size
		victims = append(victims, e)
	}
	return victims
}

func sortOldestFirst(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].CreatedAt.Before(es[j].CreatedAt)
	})
}

// remove deletes victims from disk. A failed delete is logged and skipped;
// the directory is picked up later by CleanupStaleDirectories.
func (s *Store) remove(victims []Entry, reason string) {
	for _, e := range victims {
		if err := os.RemoveAll(filepath.Dir(e.Path)); err != nil {
			slog.Warn("Artifact delete failed", "id", e.ID, "reason", reason, "error", err)
			continue
		}
		metrics.IncArtifactEvicted(reason)
		s.rec.Record(history.Event{Type: history.EventArtifactEvicted, Kind: "artifact", SessionID: e.ID, Target: e.Path, Detail: reason})
		slog.Debug("Artifact evicted", "id", e.ID, "reason", reason, "size", e.Size)
	}
}

// EvictExpired removes entries whose age has reached the TTL and returns how
// many were dropped from the index.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	cutoff := s.now().Add(-s.ttl)
	var victims []Entry
	for id, e := range s.entries {
		if !e.CreatedAt.After(cutoff) {
			delete(s.entries, id)
			s.total -= e.Size
			victims = append(victims, e)
		}
	}
	total := s.total
	s.mu.Unlock()

	s.remove(victims, "ttl")
	metrics.SetArtifactBytes(total)
	if len(victims) > 0 {
		slog.Info("Expired artifacts evicted", "count", len(victims))
	}
	return len(victims)
}

// CleanupStaleDirectories removes directories under the root that are not in
// the index and were created before now-TTL. It holds a file lock so two
// processes sharing a root never sweep at the same time; if the lock is busy
// it does nothing.
func (s *Store) CleanupStaleDirectories() int {
	lock := flock.New(filepath.Join(s.root, sweepLockName))
	ok, err := lock.TryLock()
	if err != nil {
		slog.Warn("Artifact sweep lock failed", "root", s.root, "error", err)
		return 0
	}
	if !ok {
		slog.Debug("Artifact sweep already running elsewhere", "root", s.root)
		return 0
	}
	defer func() { _ = lock.Unlock() }()

	dirents, err := os.ReadDir(s.root)
	if err != nil {
		slog.Warn("Artifact sweep read failed", "root", s.root, "error", err)
		return 0
	}

	s.mu.Lock()
	known := make(map[string]struct{}, len(s.entries))
	for id := range s.entries {
		known[id] = struct{}{}
	}
	cutoff := s.now().Add(-s.ttl)
	s.mu.Unlock()

	removed := 0
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if _, ok := known[d.Name()]; ok {
			continue
		}
		path := filepath.Join(s.root, d.Name())
		born, err := birthTime(path)
		if err != nil || !born.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Stale artifact dir delete failed", "path", path, "error", err)
			continue
		}
		removed++
		metrics.IncArtifactEvicted("stale")
	}
	if removed > 0 {
		slog.Info("Stale artifact directories removed", "count", removed, "root", s.root)
	}
	return removed
}

func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, apperr.NotFound("artifact", id)
	}
	return e, nil
}

// List returns live entries oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()
	sortOldestFirst(out)
	return out
}

func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Count: len(s.entries), Bytes: s.total, MaxBytes: s.maxBytes}
}
