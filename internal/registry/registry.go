// Package registry implements the StateStore's authoritative per-task
// registry file and the cross-task global index (spec §4.4), using an
// advisory file lock plus whole-file atomic rewrites for every mutation.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/gofrs/flock"
)

const registryFileName = "TASK_REGISTRY"

// Store is the filesystem-backed StateStore. One Store instance serves an
// entire workspace base directory; per-task locking is by file path, so
// concurrent mutations against different tasks never contend.
type Store struct {
	base string
}

// New returns a Store rooted at base (the workspace_base directory).
func New(base string) *Store {
	return &Store{base: base}
}

// TaskDir returns the workspace directory for taskID.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.base, taskID)
}

func (s *Store) registryPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), registryFileName)
}

// Mutate performs the locked read-modify-write primitive (spec §4.4):
// acquire an exclusive advisory lock on the registry file, read and parse
// it, run fn against the in-memory Task, then atomically replace the file
// contents and release the lock. fn's return error aborts the mutation
// (no write occurs) and is returned to the caller unwrapped.
func (s *Store) Mutate(taskID string, fn func(*task.Task) error) error {
	path := s.registryPath(taskID)
	lock := flock.New(path + ".lock")

	locked, err := tryLockWithRetry(lock)
	if err != nil {
		return errs.Wrap(errs.KindRegistryLockConflict, "could not acquire registry lock for "+taskID, err)
	}
	if !locked {
		return errs.New(errs.KindRegistryLockConflict, "registry busy for "+taskID)
	}
	defer func() { _ = lock.Unlock() }()

	t, err := s.readUnlocked(path)
	if err != nil {
		return err
	}

	if err := fn(t); err != nil {
		return err
	}

	return s.writeUnlocked(path, t)
}

// Read performs a shared-lock read of the task registry (spec §4.4: readers
// acquire a shared lock).
func (s *Store) Read(taskID string) (*task.Task, error) {
	path := s.registryPath(taskID)
	lock := flock.New(path + ".lock")

	locked, err := lock.TryRLock()
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistryLockConflict, "could not acquire shared lock for "+taskID, err)
	}
	if !locked {
		return nil, errs.New(errs.KindRegistryLockConflict, "registry busy for "+taskID)
	}
	defer func() { _ = lock.Unlock() }()

	return s.readUnlocked(path)
}

func (s *Store) readUnlocked(path string) (*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, "task registry not found: "+path, err)
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}
	return &t, nil
}

func (s *Store) writeUnlocked(path string, t *task.Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	return atomicWrite(path, data)
}

// CreateTask creates the on-disk workspace for a brand-new task and writes
// its initial registry. Called once by the PhaseEngine's create_task.
func (s *Store) CreateTask(t *task.Task) error {
	dir := s.TaskDir(t.ID)
	for _, sub := range []string{"prompts", "logs", "progress", "findings", "handover"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return errs.Wrap(errs.KindInsufficientResource, "creating workspace directory", err)
		}
	}
	path := s.registryPath(t.ID)
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.KindValidation, "task already exists: "+t.ID)
	}
	return s.writeUnlocked(path, t)
}

// atomicWrite writes data to a temp file in the same directory as path then
// renames it into place, so readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}

// tryLockWithRetry retries acquiring the exclusive lock up to 3 times with
// a small jittered backoff before giving up, matching spec §7's propagation
// policy for RegistryLockConflict, grounded on the jittered-retry idiom of
// tarsy/pkg/queue/worker.go's pollInterval.
func tryLockWithRetry(lock *flock.Flock) (bool, error) {
	const attempts = 3
	backoff := 10 * time.Millisecond
	for i := 0; i < attempts; i++ {
		locked, err := lock.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return false, nil
}
