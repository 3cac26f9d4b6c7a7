// Package db persists per-epoch training metrics into a SQLite
// database so long runs can be inspected and compared after the fact.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/poselab/go-posekd/train"
)

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run VARCHAR(64),
    epoch INTEGER,
    lr REAL,
    train_loss REAL,
    val_loss REAL,
    train_acc REAL,
    val_acc REAL,
    best_acc REAL,
    is_best INTEGER,
    created_at DATETIME,
    UNIQUE(run, epoch)
);
`

// MetricsDB is a train.MetricsSink backed by SQLite.  Rows are keyed
// by run name and epoch so re-running an epoch after a resume replaces
// the stale row instead of duplicating it.
type MetricsDB struct {
	db  *sql.DB
	run string
}

// OpenMetrics opens or creates the metrics database at path.  The run
// name distinguishes concurrent or historical training runs sharing
// one file.
func OpenMetrics(path, run string) (*MetricsDB, error) {

	db, err := sql.Open("sqlite3", path)

	if err != nil {
		return nil, fmt.Errorf("open metrics db %q: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics schema: %w", err)
	}

	return &MetricsDB{db: db, run: run}, nil
}

// LogEpoch upserts the epoch summary row for this run
func (m *MetricsDB) LogEpoch(e train.EpochMetrics) error {

	_, err := m.db.Exec(`
		INSERT INTO epochs
		    (run, epoch, lr, train_loss, val_loss, train_acc, val_acc,
		     best_acc, is_best, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run, epoch) DO UPDATE SET
		    lr=excluded.lr,
		    train_loss=excluded.train_loss,
		    val_loss=excluded.val_loss,
		    train_acc=excluded.train_acc,
		    val_acc=excluded.val_acc,
		    best_acc=excluded.best_acc,
		    is_best=excluded.is_best,
		    created_at=excluded.created_at`,
		m.run, e.Epoch, e.LR, e.TrainLoss, e.ValLoss, e.TrainAcc,
		e.ValAcc, e.BestAcc, e.IsBest, time.Now())

	if err != nil {
		return fmt.Errorf("insert epoch metrics: %w", err)
	}

	return nil
}

// History returns the logged epoch summaries for this run in epoch
// order
func (m *MetricsDB) History() ([]train.EpochMetrics, error) {

	rows, err := m.db.Query(`
		SELECT epoch, lr, train_loss, val_loss, train_acc, val_acc,
		       best_acc, is_best
		FROM epochs WHERE run = ? ORDER BY epoch`, m.run)

	if err != nil {
		return nil, fmt.Errorf("query epoch metrics: %w", err)
	}

	defer rows.Close()

	var out []train.EpochMetrics

	for rows.Next() {
		var e train.EpochMetrics

		if err := rows.Scan(&e.Epoch, &e.LR, &e.TrainLoss, &e.ValLoss,
			&e.TrainAcc, &e.ValAcc, &e.BestAcc, &e.IsBest); err != nil {
			return nil, fmt.Errorf("scan epoch metrics: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// Close releases the database handle
func (m *MetricsDB) Close() error {
	return m.db.Close()
}
