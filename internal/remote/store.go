package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

// ErrJobNotFound is returned by stores for ids they do not hold.
var ErrJobNotFound = errors.New("job not found")

// Store keeps job snapshots. Save never replaces a terminal snapshot.
type Store interface {
	Get(id string) (Job, error)
	Save(job Job) error
	List() ([]Job, error)
}

var bucketJobs = []byte("jobs")

// BoltStore persists snapshots in a bolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(id string) (Job, error) {
	var job Job
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(raw, &job)
	})
	return job, err
}

func (s *BoltStore) Save(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		if raw := bucket.Get([]byte(job.ID)); raw != nil {
			var existing Job
			if err := json.Unmarshal(raw, &existing); err == nil && existing.Status.Terminal() {
				return nil
			}
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(job.ID), raw)
	})
}

// List returns every snapshot, oldest first.
func (s *BoltStore) List() ([]Job, error) {
	var jobs []Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	sortByCreation(jobs)
	return jobs, err
}

// MemoryStore keeps snapshots for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) Save(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok && existing.Status.Terminal() {
		return nil
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) List() ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sortByCreation(jobs)
	return jobs, nil
}

func sortByCreation(jobs []Job) {
	slices.SortStableFunc(jobs, func(a, b Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
