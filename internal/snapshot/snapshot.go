// Package snapshot implements the StateStore's materialized read path: a
// small transactional store keyed by (task_id, entity_kind, entity_id) that
// read-heavy consumers use without taking the registry's advisory lock
// (spec §4.4). Grounded on cuemby-warren/pkg/storage/boltdb.go's
// one-bucket-per-entity-kind, JSON-marshaled-value shape.
package snapshot

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/conclave-run/conclave/internal/task"
)

var (
	bucketTasks    = []byte("tasks")
	bucketPhases   = []byte("phases")
	bucketWorkers  = []byte("workers")
	bucketReviews  = []byte("reviews")
	bucketHealth   = []byte("health")
)

// DB is the bbolt-backed snapshot database for one workspace base directory.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) the snapshot database at base/snapshot.db.
func Open(base string) (*DB, error) {
	path := filepath.Join(base, "snapshot.db")
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketPhases, bucketWorkers, bucketReviews, bucketHealth} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb}, nil
}

// Close closes the underlying bbolt database.
func (d *DB) Close() error { return d.db.Close() }

func key(taskID, entityID string) []byte {
	return []byte(taskID + "/" + entityID)
}

// PutTask materializes a task's top-level fields (sans phases/workers/reviews,
// which are stored in their own buckets so a single worker update doesn't
// require rewriting the whole task blob).
func (d *DB) PutTask(t *task.Task) error {
	return d.put(bucketTasks, key(t.ID, t.ID), TaskSummary{
		ID:           t.ID,
		Description:  t.Description,
		Status:       t.Status,
		CurrentPhase: t.CurrentPhase,
		Counters:     t.Counters,
	})
}

// TaskSummary is the materialized read-side view of a task's top-level
// fields (sans phases/workers/reviews, which live in their own buckets so a
// single worker update doesn't require rewriting the whole task blob).
type TaskSummary struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Status       task.Status   `json:"status"`
	CurrentPhase int           `json:"current_phase"`
	Counters     task.Counters `json:"counters"`
}

// GetTaskSummary reads back the materialized task summary.
func (d *DB) GetTaskSummary(taskID string) (*TaskSummary, error) {
	var ts TaskSummary
	ok, err := d.get(bucketTasks, key(taskID, taskID), &ts)
	if err != nil || !ok {
		return nil, err
	}
	return &ts, nil
}

// PutPhase materializes one phase.
func (d *DB) PutPhase(taskID string, p *task.Phase) error {
	return d.put(bucketPhases, key(taskID, p.ID), p)
}

// PutWorker materializes one worker.
func (d *DB) PutWorker(taskID string, w *task.Worker) error {
	return d.put(bucketWorkers, key(taskID, w.ID), w)
}

// GetWorker reads back a materialized worker.
func (d *DB) GetWorker(taskID, workerID string) (*task.Worker, error) {
	var w task.Worker
	ok, err := d.get(bucketWorkers, key(taskID, workerID), &w)
	if err != nil || !ok {
		return nil, err
	}
	return &w, nil
}

// PutReview materializes one review.
func (d *DB) PutReview(taskID string, r *task.Review) error {
	return d.put(bucketReviews, key(taskID, r.ID), r)
}

// Reconcile rewrites every phase/worker/review snapshot from the
// authoritative Task, recomputing counters from the live worker list
// (spec §4.4 Reconciliation; never trust a denormalized counter).
func (d *DB) Reconcile(t *task.Task) error {
	t.RecomputeCounters()
	if err := d.PutTask(t); err != nil {
		return err
	}
	for _, p := range t.Phases {
		if err := d.PutPhase(t.ID, p); err != nil {
			return err
		}
	}
	for _, w := range t.Workers {
		if err := d.PutWorker(t.ID, w); err != nil {
			return err
		}
	}
	for _, r := range t.Reviews {
		if err := d.PutReview(t.ID, r); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) put(bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling snapshot value: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(k, data)
	})
}

func (d *DB) get(bucket, k []byte, v any) (bool, error) {
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(k)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}
