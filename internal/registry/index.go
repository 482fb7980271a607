package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/task"
	"github.com/gofrs/flock"
)

// IndexEntry is one row of the cross-task global index (spec §4.4,
// named explicitly in SPEC_FULL.md's GlobalIndexEntry).
type IndexEntry struct {
	TaskID        string      `json:"task_id"`
	Description   string      `json:"description"`
	CreatedAt     time.Time   `json:"created_at"`
	Status        task.Status `json:"status"`
	WorkspacePath string      `json:"workspace_path"`
}

func (s *Store) indexPath() string {
	return filepath.Join(s.base, "registry", "GLOBAL_INDEX")
}

// AppendIndexEntry records a newly created task in the global index. Uses
// the same locked-read-modify-write discipline as per-task registries, but
// the "document" here is the whole append-only JSONL file.
func (s *Store) AppendIndexEntry(e IndexEntry) error {
	path := s.indexPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindInsufficientResource, "creating registry directory", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := tryLockWithRetry(lock)
	if err != nil || !locked {
		return errs.New(errs.KindRegistryLockConflict, "could not acquire global index lock")
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening global index: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling index entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending index entry: %w", err)
	}
	return nil
}

// UpdateIndexStatus rewrites the global index, replacing taskID's status.
// The index is small (one line per task) so a full rewrite under lock is
// cheap and keeps the "append-only for streams, rewrite-under-lock for
// registries" distinction clean (spec §4.4).
func (s *Store) UpdateIndexStatus(taskID string, status task.Status) error {
	path := s.indexPath()
	lock := flock.New(path + ".lock")
	locked, err := tryLockWithRetry(lock)
	if err != nil || !locked {
		return errs.New(errs.KindRegistryLockConflict, "could not acquire global index lock")
	}
	defer func() { _ = lock.Unlock() }()

	entries, err := readIndexUnlocked(path)
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].TaskID == taskID {
			entries[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return errs.New(errs.KindNotFound, "task not present in global index: "+taskID)
	}

	var buf []byte
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling index entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return atomicWrite(path, buf)
}

// ListIndex returns every known task without touching per-task registries
// (spec §4.4: "Listing operations use this index without scanning individual
// task registries").
func (s *Store) ListIndex() ([]IndexEntry, error) {
	path := s.indexPath()
	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil || !locked {
		return nil, errs.New(errs.KindRegistryLockConflict, "could not acquire global index lock")
	}
	defer func() { _ = lock.Unlock() }()

	return readIndexUnlocked(path)
}

func readIndexUnlocked(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening global index: %w", err)
	}
	defer f.Close()

	var entries []IndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // tolerate a partial trailing line, same as event streams
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
