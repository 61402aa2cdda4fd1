package runlog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// RunRecord is a stored run.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Backbone   string
	Seed       int64
	Config     string // YAML

	TestLoss     sql.NullFloat64
	TestAccuracy sql.NullFloat64
	TestAUC      sql.NullFloat64
	ModelPath    string
	Error        string
}

// EpochRecord is one stored epoch of a run.
type EpochRecord struct {
	Phase       string
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	LR          float64
}

const runColumns = `id, started_at, finished_at, status, backbone, seed, config,
	test_loss, test_accuracy, test_auc, model_path, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		rec               RunRecord
		started           string
		finished          sql.NullString
		modelPath, errMsg sql.NullString
	)
	err := row.Scan(&rec.ID, &started, &finished, &rec.Status, &rec.Backbone, &rec.Seed, &rec.Config,
		&rec.TestLoss, &rec.TestAccuracy, &rec.TestAUC, &modelPath, &errMsg)
	if err != nil {
		return nil, err
	}

	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, errors.Wrapf(err, "run %s started_at", rec.ID)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, errors.Wrapf(err, "run %s finished_at", rec.ID)
		}
		rec.FinishedAt = &t
	}
	rec.ModelPath = modelPath.String
	rec.Error = errMsg.String
	return &rec, nil
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (*RunRecord, error) {
	rec, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrRunNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}
	return rec, nil
}

// Runs lists every run, newest first.
func (s *Store) Runs() ([]*RunRecord, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "list runs")
}

// Epochs returns the stored history of a run ordered by phase, then epoch.
// Phases sort in the order they were first recorded.
func (s *Store) Epochs(runID string) ([]EpochRecord, error) {
	rows, err := s.db.Query(`SELECT phase, epoch,
		COALESCE(loss, 0), COALESCE(accuracy, 0), COALESCE(val_loss, 0), COALESCE(val_accuracy, 0), COALESCE(lr, 0)
		FROM epochs e WHERE run_id = ?
		ORDER BY (SELECT MIN(rowid) FROM epochs WHERE run_id = e.run_id AND phase = e.phase), epoch`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "epochs of %s", runID)
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var r EpochRecord
		if err := rows.Scan(&r.Phase, &r.Epoch, &r.Loss, &r.Accuracy, &r.ValLoss, &r.ValAccuracy, &r.LR); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "epochs")
}
