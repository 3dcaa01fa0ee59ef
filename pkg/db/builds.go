package db

import (
	"context"
	"time"

	"github.com/the-maldridge/qrunner/pkg/types"
)

// A BuildFinish is one build to mark terminal.
type BuildFinish struct {
	ID        types.BuildID
	Status    types.BuildStatus
	StartTime time.Time
	StopTime  time.Time
	IsCached  bool
}

// FinishBuilds marks a set of builds terminal in a single
// transaction.  The caller is responsible for only finishing each
// build once; the WHERE clause keeps a lost race harmless.
func (d *DB) FinishBuilds(ctx context.Context, finishes []BuildFinish) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range finishes {
		_, err := tx.ExecContext(ctx, `
			UPDATE Builds
			   SET status = 'finished', buildStatus = $2,
			       startTime = $3, stopTime = $4, isCachedBuild = $5
			 WHERE id = $1 AND status = 'pending'
		`, uint64(f.ID), int(f.Status), f.StartTime.Unix(), f.StopTime.Unix(), f.IsCached)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSucceededBuild finishes a build as successful and records its
// output paths.
func (d *DB) MarkSucceededBuild(ctx context.Context, id types.BuildID, outputs map[string]string, isCached bool, startTime, stopTime time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE Builds
		   SET status = 'finished', buildStatus = $2,
		       startTime = $3, stopTime = $4, isCachedBuild = $5
		 WHERE id = $1 AND status = 'pending'
	`, uint64(id), int(types.BuildSuccess), startTime.Unix(), stopTime.Unix(), isCached)
	if err != nil {
		return err
	}
	for name, path := range outputs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO BuildOutputs (build, name, path) VALUES ($1, $2, $3)
			ON CONFLICT (build, name) DO UPDATE SET path = EXCLUDED.path
		`, uint64(id), name, path)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
