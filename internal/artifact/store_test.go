package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simvisor/internal/apperr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Now()} }

func TestPutAndGet(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put([]byte("hello"), "notes/../log.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "log.txt", filepath.Base(ref.Path))
	assert.Equal(t, s.Root(), filepath.Dir(filepath.Dir(ref.Path)))
	assert.Equal(t, int64(5), ref.Size)

	b, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	e, err := s.Get(ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", e.MimeType)

	_, err = s.Get("missing")
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	assert.Equal(t, Usage{Count: 1, Bytes: 5, MaxBytes: DefaultMaxBytes}, s.Usage())
}

func TestPutSniffsMime(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	ref, err := s.Put(png, "shot", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ref.MimeType)

	ref, err = s.Put([]byte{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "artifact", filepath.Base(ref.Path))
	assert.NotEmpty(t, ref.MimeType)
}

func TestCapInvariant(t *testing.T) {
	clk := newClock()
	s, err := New(t.TempDir(), WithMaxBytes(100), WithClock(clk.Now))
	require.NoError(t, err)

	var refs []Reference
	for i := 0; i < 12; i++ {
		ref, err := s.Put(bytes.Repeat([]byte{'x'}, 30), "blob.bin", "application/octet-stream")
		require.NoError(t, err)
		refs = append(refs, ref)
		assert.LessOrEqual(t, s.Usage().Bytes, int64(100), "after put %d", i)
		clk.Advance(time.Second)
	}
	// three 30-byte blobs fit under 100; the newest three survive
	live := s.List()
	require.Len(t, live, 3)
	assert.Equal(t, refs[9].ID, live[0].ID)
	assert.Equal(t, refs[11].ID, live[2].ID)

	_, err = os.Stat(filepath.Dir(refs[0].Path))
	assert.True(t, os.IsNotExist(err), "evicted dir must be removed")
	_, err = os.Stat(refs[11].Path)
	assert.NoError(t, err)
}

func TestOversizeBlobRejected(t *testing.T) {
	s, err := New(t.TempDir(), WithMaxBytes(10))
	require.NoError(t, err)
	_, err = s.Put(make([]byte, 11), "big", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	assert.Equal(t, 0, s.Usage().Count)
}

func TestTTLExpiry(t *testing.T) {
	clk := newClock()
	s, err := New(t.TempDir(), WithTTL(time.Hour), WithClock(clk.Now))
	require.NoError(t, err)
	ref, err := s.Put([]byte("a"), "a.txt", "text/plain")
	require.NoError(t, err)

	clk.Advance(59 * time.Minute)
	assert.Equal(t, 0, s.EvictExpired())
	_, err = s.Get(ref.ID)
	assert.NoError(t, err, "present before T+TTL")

	clk.Advance(time.Minute)
	assert.Equal(t, 1, s.EvictExpired())
	_, err = s.Get(ref.ID)
	assert.Error(t, err, "absent at T+TTL")
	_, err = os.Stat(ref.Path)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 0, s.EvictExpired(), "idempotent")
	assert.Equal(t, int64(0), s.Usage().Bytes)
}

func TestCleanupStaleDirectories(t *testing.T) {
	root := t.TempDir()
	// leftovers of a previous process
	orphan := filepath.Join(root, "0b0e6f5c-orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "old.mp4"), []byte("v"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray-file"), []byte("f"), 0o640))

	clk := newClock()
	s, err := New(root, WithTTL(time.Hour), WithClock(clk.Now))
	require.NoError(t, err)
	live, err := s.Put([]byte("keep"), "keep.txt", "text/plain")
	require.NoError(t, err)

	// nothing is old enough yet
	assert.Equal(t, 0, s.CleanupStaleDirectories())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.CleanupStaleDirectories())
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(live.Path)
	assert.NoError(t, err, "indexed entries are never swept as stale")
	_, err = os.Stat(filepath.Join(root, "stray-file"))
	assert.NoError(t, err, "only directories are swept")

	assert.Equal(t, 0, s.CleanupStaleDirectories())
}

func TestCleanupSkipsWhenSweepLocked(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "orphan"), 0o750))
	clk := newClock()
	a, err := New(root, WithTTL(time.Minute), WithClock(clk.Now))
	require.NoError(t, err)
	clk.Advance(time.Hour)

	lock := flockFor(t, root)
	defer func() { _ = lock.Unlock() }()
	assert.Equal(t, 0, a.CleanupStaleDirectories())
	_ = lock.Unlock()
	assert.Equal(t, 1, a.CleanupStaleDirectories())
}

func TestPutFileMovesIntoStore(t *testing.T) {
	src := filepath.Join(t.TempDir(), "recording.mp4")
	require.NoError(t, os.WriteFile(src, []byte("moov"), 0o640))
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ref, err := s.PutFile(src, "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "recording.mp4", filepath.Base(ref.Path))
	assert.Equal(t, int64(4), ref.Size)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	_, err = s.PutFile(src, "")
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestConcurrentPutsRespectCap(t *testing.T) {
	s, err := New(t.TempDir(), WithMaxBytes(256))
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(make([]byte, 64), "b", "application/octet-stream")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	u := s.Usage()
	assert.LessOrEqual(t, u.Bytes, int64(256))
	assert.Equal(t, 4, u.Count)
}

func flockFor(t *testing.T, root string) *flock.Flock {
	t.Helper()
	l := flock.New(filepath.Join(root, sweepLockName))
	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	return l
}
