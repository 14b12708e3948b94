package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therronjordan/Qcodes/internal/db"
)

// Result is delivered to subscribers for every stored result row.
type Result struct {
	RunID   int64
	Counter int
	Values  map[string]any
}

// Subscriber receives results as they are added to a dataset.
type Subscriber func(Result)

// DataSet is one run attached to the most recent experiment.
type DataSet struct {
	runID int64
	expID int64
	name  string
	guid  string
	conn  *db.Conn

	mu          sync.Mutex
	subscribers map[string]Subscriber
	counter     int
}

// NewDataSet opens a connection and records a new run under the latest
// experiment. It fails with ErrNoExperiment when there is none.
func NewDataSet(ctx context.Context, c Connector, name string) (*DataSet, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("dataset name is required")
	}
	conn, err := c.Connect()
	if err != nil {
		return nil, err
	}
	ds, err := createRun(ctx, conn, name)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ds, nil
}

func createRun(ctx context.Context, conn *db.Conn, name string) (*DataSet, error) {
	var expID int64
	err := conn.QueryRowContext(ctx, `SELECT exp_id FROM experiments ORDER BY exp_id DESC LIMIT 1`).Scan(&expID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoExperiment
	}
	if err != nil {
		return nil, fmt.Errorf("latest experiment: %w", err)
	}
	guid := uuid.NewString()
	res, err := conn.ExecContext(ctx, `INSERT INTO runs (exp_id, name, guid, run_timestamp) VALUES (?, ?, ?, ?)`,
		expID, name, guid, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert run %s: %w", name, err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	return &DataSet{
		runID:       runID,
		expID:       expID,
		name:        name,
		guid:        guid,
		conn:        conn,
		subscribers: make(map[string]Subscriber),
	}, nil
}

func (d *DataSet) RunID() int64        { return d.runID }
func (d *DataSet) ExperimentID() int64 { return d.expID }
func (d *DataSet) Name() string        { return d.name }
func (d *DataSet) GUID() string        { return d.guid }

// Conn returns the connection the dataset holds.
func (d *DataSet) Conn() *db.Conn { return d.conn }

// Subscribe registers fn and returns its subscription ID.
func (d *DataSet) Subscribe(fn Subscriber) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.subscribers[id] = fn
	d.mu.Unlock()
	return id
}

// Unsubscribe removes one subscription. It reports whether id was registered.
func (d *DataSet) Unsubscribe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[id]; !ok {
		return false
	}
	delete(d.subscribers, id)
	return true
}

// UnsubscribeAll removes every subscription.
func (d *DataSet) UnsubscribeAll() {
	d.mu.Lock()
	clear(d.subscribers)
	d.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (d *DataSet) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// AddResult stores one result row and notifies subscribers.
func (d *DataSet) AddResult(ctx context.Context, values map[string]any) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	err = d.conn.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO results (run_id, ts, json) VALUES (?, ?, ?)`,
			d.runID, time.Now().UTC().Format(timeLayout), string(payload)); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET result_counter = result_counter + 1 WHERE run_id = ?`, d.runID); err != nil {
			return fmt.Errorf("bump result counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.counter++
	result := Result{RunID: d.runID, Counter: d.counter, Values: values}
	subs := make([]Subscriber, 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(result)
	}
	return nil
}

// MarkCompleted flags the run as completed.
func (d *DataSet) MarkCompleted(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE runs SET is_completed = 1, completed_timestamp = ? WHERE run_id = ?`,
		time.Now().UTC().Format(timeLayout), d.runID)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", d.runID, err)
	}
	return nil
}

// Close drops every subscription and then releases the connection.
func (d *DataSet) Close() error {
	if d == nil {
		return nil
	}
	d.UnsubscribeAll()
	return d.conn.Close()
}
