// Package journal keeps a history of job reports in a bbolt database.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"go.etcd.io/bbolt"

	"github.com/sdejongh/courier/pkg/models"
)

var (
	// ErrRunNotFound is returned when no report exists for a run ID
	ErrRunNotFound = errors.New("run not found")
)

var (
	reportsBucket = []byte("reports")
	runsBucket    = []byte("runs")
)

const openTimeout = 2 * time.Second

// Record is one journaled job report
type Record struct {
	Seq              uint64           `json:"seq"`
	RunID            string           `json:"run_id"`
	Job              string           `json:"job"`
	Host             string           `json:"host"`
	Direction        models.Direction `json:"direction"`
	Mode             models.Mode      `json:"mode"`
	DryRun           bool             `json:"dry_run"`
	Status           models.JobStatus `json:"status"`
	StartTime        time.Time        `json:"start_time"`
	Duration         time.Duration    `json:"duration"`
	Units            int              `json:"units"`
	Succeeded        int              `json:"succeeded"`
	Failed           int              `json:"failed"`
	Skipped          int              `json:"skipped"`
	Cancelled        int              `json:"cancelled"`
	BytesTransferred int64            `json:"bytes_transferred"`
	Error            string           `json:"error,omitempty"`
	Failures         []models.Failure `json:"failures,omitempty"`
}

// NewRecord summarizes a report for the journal
func NewRecord(r *models.JobReport) Record {
	return Record{
		RunID:            r.RunID,
		Job:              r.Job,
		Host:             r.Host,
		Direction:        r.Direction,
		Mode:             r.Mode,
		DryRun:           r.DryRun,
		Status:           r.Status,
		StartTime:        r.StartTime,
		Duration:         r.Duration,
		Units:            r.Units,
		Succeeded:        r.Succeeded,
		Failed:           r.Failed,
		Skipped:          r.Skipped,
		Cancelled:        r.Cancelled,
		BytesTransferred: r.BytesTransferred,
		Error:            r.Error,
		Failures:         r.Failures,
	}
}

// Journal is a report store backed by bbolt. Reports are keyed by
// a sequence number so iteration follows insertion order; a secondary
// bucket maps run IDs to their sequence numbers.
type Journal struct {
	db *bbolt.DB
}

// DefaultPath returns the journal location under the XDG state directory
func DefaultPath() string {
	return filepath.Join(xdg.StateHome, "courier", "journal.db")
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(reportsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal buckets: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append stores a report
func (j *Journal) Append(report *models.JobReport) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(reportsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		rec := NewRecord(report)
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		key := seqKey(seq)
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to put report: %w", err)
		}

		if rec.RunID == "" {
			return nil
		}
		runs, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(rec.RunID))
		if err != nil {
			return fmt.Errorf("failed to index run: %w", err)
		}
		return runs.Put(key, nil)
	})
}

// List returns up to limit records, newest first. A limit <= 0 returns
// every record.
func (j *Journal) List(limit int) ([]Record, error) {
	var records []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(reportsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal report: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns the records of one run in the order they were appended
func (j *Journal) Get(runID string) ([]Record, error) {
	var records []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(runsBucket).Bucket([]byte(runID))
		if runs == nil {
			return ErrRunNotFound
		}
		reports := tx.Bucket(reportsBucket)
		return runs.ForEach(func(k, _ []byte) error {
			data := reports.Get(k)
			if data == nil {
				return nil
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal report: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
