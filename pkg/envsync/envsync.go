package envsync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hakulab/haku/pkg/log"
)

// ErrorKind classifies sync failures. A sync failure aborts the task with a
// descriptive error before execution.
type ErrorKind string

const (
	ErrNoArchiveFound    ErrorKind = "no_archive_found"
	ErrArchiveUnreadable ErrorKind = "archive_unreadable"
	ErrEngineLoadFailed  ErrorKind = "engine_load_failed"
)

// Error wraps a sync failure with its classification.
type Error struct {
	Kind ErrorKind
	Env  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("env sync %s for %q: %v", e.Kind, e.Env, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Archive is one discovered environment archive on shared storage.
type Archive struct {
	Name      string
	Timestamp int64
	Path      string
}

// ImageRef is the engine image reference for an environment snapshot.
func ImageRef(name string, timestamp int64) string {
	return fmt.Sprintf("haku-env/%s:%d", name, timestamp)
}

// parseArchiveName splits "<name>.<unix-ts>.<ext>". Environment names may
// themselves contain dots, so the split runs from the right.
func parseArchiveName(filename string) (name string, ts int64, ok bool) {
	base := filename
	i := strings.LastIndex(base, ".")
	if i <= 0 {
		return "", 0, false
	}
	base = base[:i] // strip extension
	j := strings.LastIndex(base, ".")
	if j <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(base[j+1:], 10, 64)
	if err != nil || ts <= 0 {
		return "", 0, false
	}
	return base[:j], ts, true
}

// ScanDir lists all archives in an environments directory. Files not
// matching the naming convention are ignored.
func ScanDir(dir string) ([]Archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	var archives []Archive
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ts, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}
		archives = append(archives, Archive{
			Name:      name,
			Timestamp: ts,
			Path:      dir + "/" + entry.Name(),
		})
	}
	return archives, nil
}

// Latest returns the newest archive for an environment name. Only the
// highest timestamp is canonical; older versions are ignored.
func Latest(dir, name string) (Archive, error) {
	archives, err := ScanDir(dir)
	if err != nil {
		return Archive{}, &Error{Kind: ErrNoArchiveFound, Env: name, Err: err}
	}
	best := Archive{}
	for _, a := range archives {
		if a.Name == name && a.Timestamp > best.Timestamp {
			best = a
		}
	}
	if best.Timestamp == 0 {
		return Archive{}, &Error{Kind: ErrNoArchiveFound, Env: name,
			Err: fmt.Errorf("no archive matching %q in %s", name, dir)}
	}
	return best, nil
}

// ImageLoader is the engine subset the syncer needs.
type ImageLoader interface {
	LoadImage(ctx context.Context, archivePath string) error
	HasImage(ctx context.Context, ref string) (bool, error)
}

// Syncer materializes environment archives into local engine images.
// Operations are serialized per environment name so concurrent tasks for
// the same environment load it exactly once.
type Syncer struct {
	dir    string
	loader ImageLoader

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	loaded map[string]int64 // name -> loaded timestamp
}

// New returns a Syncer over the shared-storage environments directory.
func New(dir string, loader ImageLoader) *Syncer {
	return &Syncer{
		dir:    dir,
		loader: loader,
		locks:  make(map[string]*sync.Mutex),
		loaded: make(map[string]int64),
	}
}

func (s *Syncer) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Sync ensures the image for (name, timestamp) is present locally and
// returns its engine reference. A zero timestamp resolves the newest
// archive on shared storage.
func (s *Syncer) Sync(ctx context.Context, name string, timestamp int64) (string, error) {
	lock := s.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	archive, err := s.resolve(name, timestamp)
	if err != nil {
		return "", err
	}
	ref := ImageRef(name, archive.Timestamp)

	s.mu.Lock()
	cached := s.loaded[name] == archive.Timestamp
	s.mu.Unlock()

	if cached {
		if ok, err := s.loader.HasImage(ctx, ref); err == nil && ok {
			return ref, nil
		}
		// Image evicted underneath the cache; fall through and reload.
	}

	if _, err := os.Stat(archive.Path); err != nil {
		return "", &Error{Kind: ErrArchiveUnreadable, Env: name, Err: err}
	}

	log.WithComponent("envsync").Info().
		Str("env", name).
		Int64("timestamp", archive.Timestamp).
		Msg("loading environment archive")

	if err := s.loader.LoadImage(ctx, archive.Path); err != nil {
		return "", &Error{Kind: ErrEngineLoadFailed, Env: name, Err: err}
	}

	s.mu.Lock()
	s.loaded[name] = archive.Timestamp
	s.mu.Unlock()
	return ref, nil
}

func (s *Syncer) resolve(name string, timestamp int64) (Archive, error) {
	if timestamp == 0 {
		return Latest(s.dir, name)
	}
	archives, err := ScanDir(s.dir)
	if err != nil {
		return Archive{}, &Error{Kind: ErrNoArchiveFound, Env: name, Err: err}
	}
	for _, a := range archives {
		if a.Name == name && a.Timestamp == timestamp {
			return a, nil
		}
	}
	return Archive{}, &Error{Kind: ErrNoArchiveFound, Env: name,
		Err: fmt.Errorf("archive %s.%d not found in %s", name, timestamp, s.dir)}
}
