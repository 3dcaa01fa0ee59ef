package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/the-maldridge/qrunner/pkg/types"
)

// CreateBuildStep allocates the next step number for a build and
// inserts the row.  A BuildBusy status marks the row busy on the
// named machine and leaves its status column NULL.
func (d *DB) CreateBuildStep(ctx context.Context, startTime time.Time, buildID types.BuildID, drvPath, machineURI string, status types.BuildStatus, errorMsg string, propagatedFrom types.BuildID) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stepNr, err := allocBuildStep(ctx, tx, buildID)
	if err != nil {
		return 0, err
	}

	busy := 0
	if status == types.BuildBusy {
		busy = 1
	}
	var propagated interface{}
	if propagatedFrom != 0 {
		propagated = uint64(propagatedFrom)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO BuildSteps
		       (buildId, stepNr, type, drvPath, busy, status, startTime, machine, errorMsg, propagatedFrom)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, $9)
	`, uint64(buildID), stepNr, drvPath, busy, nullStatus(status), startTime.Unix(), machineURI, errorMsg, propagated)
	if err != nil {
		return 0, err
	}
	return stepNr, tx.Commit()
}

func allocBuildStep(ctx context.Context, tx *sql.Tx, buildID types.BuildID) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(stepNr) FROM BuildSteps WHERE buildId = $1`, uint64(buildID)).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func nullStatus(s types.BuildStatus) interface{} {
	if s == types.BuildBusy {
		return nil
	}
	return int(s)
}

// UpdateBuildStep advances the phase recorded for a busy step.
func (d *DB) UpdateBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, state types.StepState) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE BuildSteps SET busy = $3 WHERE buildId = $1 AND stepNr = $2 AND busy != 0
	`, uint64(buildID), stepNr, int(state))
	return err
}

// FinishBuildStep records the result of a completed step and emits
// the step_finished notification.
func (d *DB) FinishBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, res *types.RemoteResult, machineURI string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE BuildSteps
		   SET busy = 0, status = $3, errorMsg = $4,
		       startTime = $5, stopTime = $6, machine = $7,
		       overhead = $8, timesBuilt = $9, isNonDeterministic = $10
		 WHERE buildId = $1 AND stepNr = $2
	`, uint64(buildID), stepNr, int(res.StepStatus), res.ErrorMsg,
		res.StartTime, res.StopTime, machineURI,
		res.Overhead, res.TimesBuilt, res.IsNonDeterministic)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return d.NotifyStepFinished(ctx, buildID, stepNr, res.LogFile)
}

// AbortBuildStep clears a step that was orphaned by an earlier
// database failure.
func (d *DB) AbortBuildStep(ctx context.Context, buildID types.BuildID, stepNr int, stopTime time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE BuildSteps SET busy = 0, status = $3, stopTime = $4
		 WHERE buildId = $1 AND stepNr = $2 AND busy != 0
	`, uint64(buildID), stepNr, int(types.BuildAborted), stopTime.Unix())
	return err
}

// CreateSubstitutionStep records an output that was satisfied from
// the destination store without running a build.
func (d *DB) CreateSubstitutionStep(ctx context.Context, buildID types.BuildID, drvPath, outputName, storePath string, startTime, stopTime time.Time) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stepNr, err := allocBuildStep(ctx, tx, buildID)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO BuildSteps
		       (buildId, stepNr, type, drvPath, busy, status, startTime, stopTime)
		VALUES ($1, $2, 1, $3, 0, $4, $5, $6)
	`, uint64(buildID), stepNr, drvPath, int(types.BuildSuccess), startTime.Unix(), stopTime.Unix())
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO BuildStepOutputs (buildId, stepNr, name, path)
		VALUES ($1, $2, $3, $4)
	`, uint64(buildID), stepNr, outputName, storePath)
	if err != nil {
		return 0, err
	}
	return stepNr, tx.Commit()
}
