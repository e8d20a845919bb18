package envsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu     sync.Mutex
	loads  []string
	images map[string]bool
	fail   error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{images: make(map[string]bool)}
}

func (f *fakeLoader) LoadImage(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.loads = append(f.loads, path)
	return nil
}

func (f *fakeLoader) HasImage(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func writeArchive(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("tar"), 0o644))
	return path
}

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		filename string
		name     string
		ts       int64
		ok       bool
	}{
		{"pytorch.1700000000.tar", "pytorch", 1700000000, true},
		{"my.env.v2.1700000001.tar.gz", "my.env.v2.1700000001", 0, false},
		{"cuda-12.1700000002.tgz", "cuda-12", 1700000002, true},
		{"README.md", "", 0, false},
		{"noext", "", 0, false},
		{"bad.notanumber.tar", "", 0, false},
	}
	for _, tt := range tests {
		name, ts, ok := parseArchiveName(tt.filename)
		assert.Equal(t, tt.ok, ok, tt.filename)
		if tt.ok {
			assert.Equal(t, tt.name, name, tt.filename)
			assert.Equal(t, tt.ts, ts, tt.filename)
		}
	}
}

func TestLatestPicksNewest(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "pytorch.100.tar")
	newest := writeArchive(t, dir, "pytorch.300.tar")
	writeArchive(t, dir, "pytorch.200.tar")
	writeArchive(t, dir, "other.999.tar")

	a, err := Latest(dir, "pytorch")
	require.NoError(t, err)
	assert.Equal(t, int64(300), a.Timestamp)
	assert.Equal(t, newest, a.Path)
}

func TestLatestMissingEnv(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "other.100.tar")

	_, err := Latest(dir, "pytorch")
	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, ErrNoArchiveFound, syncErr.Kind)
}

func TestSyncLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := writeArchive(t, dir, "pytorch.100.tar")
	loader := newFakeLoader()
	s := New(dir, loader)

	ref, err := s.Sync(context.Background(), "pytorch", 100)
	require.NoError(t, err)
	assert.Equal(t, "haku-env/pytorch:100", ref)
	assert.Equal(t, []string{path}, loader.loads)

	// Cached and still present in the engine: no second load.
	loader.images[ref] = true
	_, err = s.Sync(context.Background(), "pytorch", 100)
	require.NoError(t, err)
	assert.Len(t, loader.loads, 1)
}

func TestSyncReloadsWhenImageEvicted(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "pytorch.100.tar")
	loader := newFakeLoader()
	s := New(dir, loader)

	_, err := s.Sync(context.Background(), "pytorch", 100)
	require.NoError(t, err)

	// Cache says loaded but the engine no longer has the image.
	_, err = s.Sync(context.Background(), "pytorch", 100)
	require.NoError(t, err)
	assert.Len(t, loader.loads, 2)
}

func TestSyncZeroTimestampResolvesNewest(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "pytorch.100.tar")
	writeArchive(t, dir, "pytorch.250.tar")
	loader := newFakeLoader()
	s := New(dir, loader)

	ref, err := s.Sync(context.Background(), "pytorch", 0)
	require.NoError(t, err)
	assert.Equal(t, "haku-env/pytorch:250", ref)
}

func TestSyncLoadFailure(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "pytorch.100.tar")
	loader := newFakeLoader()
	loader.fail = errors.New("daemon exploded")
	s := New(dir, loader)

	_, err := s.Sync(context.Background(), "pytorch", 100)
	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, ErrEngineLoadFailed, syncErr.Kind)
}

func TestSyncConcurrentSameEnvLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "pytorch.100.tar")
	loader := newFakeLoader()
	s := New(dir, loader)

	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.Sync(context.Background(), "pytorch", 100)
			if err != nil || ref != "haku-env/pytorch:100" {
				failures.Add(1)
			}
			// First load marks the image present for later callers.
			loader.mu.Lock()
			loader.images[ref] = true
			loader.mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.LessOrEqual(t, len(loader.loads), 2)
}
