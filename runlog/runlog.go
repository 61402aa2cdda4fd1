// Package runlog records training runs in a SQLite database: the
// configuration each run used, its per-epoch history and its final test
// metrics.
package runlog

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/report"
	"github.com/tsawler/go-xray/training"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Store is an open run registry.
type Store struct {
	db   *sql.DB
	path string
}

// Open migrates the database at path, creating it and its parent
// directory if needed, and opens it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create run registry directory")
	}
	if err := Migrate(path); err != nil {
		return nil, errors.Wrapf(err, "migrate %s", path)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", path)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Run is a handle on one registered run.
type Run struct {
	ID    string
	store *Store
}

// Start registers a new running run for cfg.
func (s *Store) Start(cfg *config.Config) (*Run, error) {
	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}

	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO runs (id, started_at, status, backbone, seed, config) VALUES (?, ?, ?, ?, ?, ?)`,
		id, now(), StatusRunning, cfg.ModelParams.Backbone, cfg.Seed, string(doc),
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	klog.V(1).Infof("Registered run %s in %s", id, s.path)
	return &Run{ID: id, store: s}, nil
}

// RecordHistory stores every epoch of h under phase. Epochs already
// recorded for the phase are replaced.
func (r *Run) RecordHistory(phase string, h *training.History) error {
	tx, err := r.store.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO epochs
		(run_id, phase, epoch, loss, accuracy, val_loss, val_accuracy, lr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare")
	}
	defer stmt.Close()

	metric := func(name string, i int) interface{} {
		if v := h.Metric(name); i < len(v) {
			return v[i]
		}
		return nil
	}
	for i, epoch := range h.Epochs {
		_, err := stmt.Exec(r.ID, phase, epoch,
			metric(training.MetricLoss, i),
			metric(training.MetricAccuracy, i),
			metric(training.MetricValLoss, i),
			metric(training.MetricValAccuracy, i),
			metric(training.MetricLR, i),
		)
		if err != nil {
			return errors.Wrapf(err, "insert %s epoch %d", phase, epoch)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Finish marks the run finished with its test metrics and saved model.
func (r *Run) Finish(e *report.Evaluation, modelPath string) error {
	_, err := r.store.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, test_loss = ?, test_accuracy = ?, test_auc = ?, model_path = ? WHERE id = ?`,
		StatusFinished, now(), e.Loss, e.Accuracy, e.AUC, modelPath, r.ID,
	)
	return errors.Wrap(err, "finish run")
}

// Fail marks the run failed with the error that aborted it.
func (r *Run) Fail(cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.store.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		StatusFailed, now(), msg, r.ID,
	)
	return errors.Wrap(err, "fail run")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
