package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/lib/pq"

	"github.com/the-maldridge/qrunner/pkg/types"
)

// DB wraps the PostgreSQL connection pool holding the build queue.
type DB struct {
	l   hclog.Logger
	db  *sql.DB
	dsn string
}

// A BuildRow is the queue-relevant projection of one Builds row.
type BuildRow struct {
	ID             types.BuildID
	DrvPath        string
	Project        string
	Jobset         string
	Job            string
	Timestamp      time.Time
	MaxSilentTime  int
	BuildTimeout   int
	LocalPriority  int
	GlobalPriority int
}

// New opens a connection pool against the given DSN and verifies it
// is usable.
func New(l hclog.Logger, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &DB{l: l.Named("db"), db: db, dsn: dsn}, nil
}

// Close tears down the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetPendingBuilds returns every build in the queue with an id above
// the given watermark, highest global priority first and lowest id
// first among equal priorities.
func (d *DB) GetPendingBuilds(ctx context.Context, after types.BuildID) ([]BuildRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, drvPath, project, jobset, job, timestamp,
		       maxSilentTime, buildTimeout, localPriority, globalPriority
		  FROM Builds
		 WHERE status = 'pending' AND id > $1
		 ORDER BY globalPriority DESC, id ASC
	`, uint64(after))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildRow
	for rows.Next() {
		var b BuildRow
		var ts int64
		if err := rows.Scan(&b.ID, &b.DrvPath, &b.Project, &b.Jobset, &b.Job,
			&ts, &b.MaxSilentTime, &b.BuildTimeout, &b.LocalPriority, &b.GlobalPriority); err != nil {
			return nil, err
		}
		b.Timestamp = time.Unix(ts, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetPendingBuildPriorities returns the id and global priority of
// every build still pending.  The monitor diffs this against memory
// to find cancellations, deletions and priority bumps.
func (d *DB) GetPendingBuildPriorities(ctx context.Context) (map[types.BuildID]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, globalPriority FROM Builds WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.BuildID]int)
	for rows.Next() {
		var id types.BuildID
		var prio int
		if err := rows.Scan(&id, &prio); err != nil {
			return nil, err
		}
		out[id] = prio
	}
	return out, rows.Err()
}

// GetJobsetShares reads the scheduling share count for a jobset.
// Jobsets absent from the table weigh in at one share.
func (d *DB) GetJobsetShares(ctx context.Context, project, name string) (int, error) {
	var shares int
	err := d.db.QueryRowContext(ctx, `
		SELECT schedulingShares FROM Jobsets WHERE project = $1 AND name = $2
	`, project, name).Scan(&shares)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if shares < 1 {
		shares = 1
	}
	return shares, nil
}

// CheckCachedFailure reports whether any of the given output paths
// has a recorded permanent failure.
func (d *DB) CheckCachedFailure(ctx context.Context, outputs []string) (bool, error) {
	for _, p := range outputs {
		var exists bool
		err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM FailedPaths WHERE path = $1)`, p).Scan(&exists)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// MarkFailedPaths records output paths whose builds failed in a way
// the remote declared cacheable.
func (d *DB) MarkFailedPaths(ctx context.Context, paths []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO FailedPaths (path) VALUES ($1) ON CONFLICT DO NOTHING`, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearBusy marks every step still recorded as busy as aborted.
// Called once at startup, before any worker can be holding a step.
func (d *DB) ClearBusy(ctx context.Context, stopTime time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE BuildSteps SET busy = 0, status = $1, stopTime = $2
		 WHERE busy = 1
	`, int(types.BuildAborted), stopTime.Unix())
	return err
}
