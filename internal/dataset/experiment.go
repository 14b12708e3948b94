// Package dataset provides the experiment and dataset objects that own their
// own storage connections.
//
// Both types open a fresh connection through the Connector they are given and
// keep it until Close. Code that forgets Close leaves that connection to the
// owning scope's sweep.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/therronjordan/Qcodes/internal/db"
)

const (
	timeLayout          = time.RFC3339Nano
	defaultSampleName   = "some"
	defaultFormatString = "{}-{}-{}"
)

// ErrNoExperiment is returned when a dataset is created before any experiment.
var ErrNoExperiment = errors.New("no experiments found")

// Connector opens connections to the configured database.
type Connector interface {
	Connect() (*db.Conn, error)
}

// Experiment is one row of the experiments table plus the connection it was
// created through.
type Experiment struct {
	id         int64
	name       string
	sampleName string
	conn       *db.Conn
}

// NewExperiment opens a connection and records a new experiment.
func NewExperiment(ctx context.Context, c Connector, name, sampleName string) (*Experiment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("experiment name is required")
	}
	if sampleName == "" {
		sampleName = defaultSampleName
	}
	conn, err := c.Connect()
	if err != nil {
		return nil, err
	}
	res, err := conn.ExecContext(ctx, `INSERT INTO experiments (name, sample_name, start_time, format_string) VALUES (?, ?, ?, ?)`,
		name, sampleName, time.Now().UTC().Format(timeLayout), defaultFormatString)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("insert experiment %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("experiment id: %w", err)
	}
	return &Experiment{id: id, name: name, sampleName: sampleName, conn: conn}, nil
}

func (e *Experiment) ID() int64          { return e.id }
func (e *Experiment) Name() string       { return e.name }
func (e *Experiment) SampleName() string { return e.sampleName }

// Conn returns the connection the experiment holds.
func (e *Experiment) Conn() *db.Conn { return e.conn }

// Finish stamps the experiment's end time.
func (e *Experiment) Finish(ctx context.Context) error {
	_, err := e.conn.ExecContext(ctx, `UPDATE experiments SET end_time = ? WHERE exp_id = ?`,
		time.Now().UTC().Format(timeLayout), e.id)
	if err != nil {
		return fmt.Errorf("finish experiment %d: %w", e.id, err)
	}
	return nil
}

// Close releases the experiment's connection.
func (e *Experiment) Close() error {
	if e == nil {
		return nil
	}
	return e.conn.Close()
}

// ExperimentInfo is a read-only view of an experiments row.
type ExperimentInfo struct {
	ID         int64
	Name       string
	SampleName string
	StartTime  time.Time
	Runs       int
}

// LoadExperiments lists experiments with their run counts, oldest first.
func LoadExperiments(ctx context.Context, conn *db.Conn) ([]ExperimentInfo, error) {
	rows, err := conn.QueryContext(ctx, `SELECT e.exp_id, e.name, e.sample_name, e.start_time, COUNT(r.run_id)
		FROM experiments e LEFT JOIN runs r ON r.exp_id = e.exp_id
		GROUP BY e.exp_id ORDER BY e.exp_id`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()
	var out []ExperimentInfo
	for rows.Next() {
		var info ExperimentInfo
		var start string
		if err := rows.Scan(&info.ID, &info.Name, &info.SampleName, &start, &info.Runs); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		if ts, err := time.Parse(timeLayout, start); err == nil {
			info.StartTime = ts
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return out, nil
}

// CountRuns returns the number of runs across all experiments.
func CountRuns(ctx context.Context, conn *db.Conn) (int, error) {
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
