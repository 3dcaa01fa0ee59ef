package queue

import (
	"context"
	"testing"
	"time"

	"github.com/the-maldridge/qrunner/pkg/types"
)

func TestDependencyFailure(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()

	r.addDrv("d2.drv", "x86_64-linux", nil)
	r.addDrv("d1.drv", "x86_64-linux", []string{"d2.drv"})
	r.submit(1, "proj", "js", "d1.drv")

	r.farm.results["d2.drv"] = &types.RemoteResult{
		StepStatus: types.BuildFailed,
		CanCache:   true,
		ErrorMsg:   "builder returned exit code 1",
	}

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	r.s.doDispatch(ctx)
	waitFor(t, "build to fail", func() bool {
		_, ok := r.db.finishedBuild(1)
		return ok
	})

	f, _ := r.db.finishedBuild(1)
	if f.Status != types.BuildFailed {
		t.Errorf("build status = %v, want failed", f.Status)
	}
	if got := r.farm.builtDrvs(); len(got) != 1 || got[0] != "d2.drv" {
		t.Errorf("built %v; d1 must never be dispatched", got)
	}

	var sawDep bool
	for _, row := range r.db.stepRows(1) {
		if row.drvPath == "d1.drv" {
			sawDep = true
			if row.status != types.BuildDepFailed {
				t.Errorf("d1 step status = %v, want dep failed", row.status)
			}
			if row.propagatedFrom != 1 {
				t.Errorf("propagatedFrom = %d, want 1", row.propagatedFrom)
			}
		}
	}
	if !sawDep {
		t.Error("no step row recorded for the abandoned d1 step")
	}

	// A cacheable failure lands in the failed-path table.
	r.db.mu.Lock()
	_, cached := r.db.failed["d2-out"]
	r.db.mu.Unlock()
	if !cached {
		t.Error("failed output was not cached")
	}
}

func TestCachedFailureShortCircuit(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()

	r.addDrv("d1.drv", "x86_64-linux", nil)
	r.submit(1, "proj", "js", "d1.drv")
	r.db.MarkFailedPaths(ctx, []string{"d1-out"})

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	r.s.doDispatch(ctx)
	waitFor(t, "build to fail from cache", func() bool {
		_, ok := r.db.finishedBuild(1)
		return ok
	})

	f, _ := r.db.finishedBuild(1)
	if f.Status != types.BuildFailed {
		t.Errorf("build status = %v, want failed (cached failure maps to failed)", f.Status)
	}
	if r.farm.dials != 0 {
		t.Errorf("machine dialed %d times for a cached failure", r.farm.dials)
	}
	if jobs := r.machineJobs("ssh://m1"); jobs != 0 {
		t.Errorf("currentJobs = %d after cached failure, want 0", jobs)
	}
}

func TestCancellation(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()

	r.farm.blocked = make(chan struct{})
	defer close(r.farm.blocked)

	r.addDrv("d1.drv", "x86_64-linux", nil)
	r.submit(1, "proj", "js", "d1.drv")

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	r.s.doDispatch(ctx)
	waitFor(t, "builder to reach the machine", func() bool { return len(r.farm.builtDrvs()) == 1 })

	// The build disappears from the queue; the monitor notices and
	// cancels the in-flight worker.
	r.db.removeBuild(1)
	if err := r.s.processQueueChange(ctx); err != nil {
		t.Fatalf("processQueueChange: %v", err)
	}

	waitFor(t, "reservation to be released", func() bool {
		return r.machineJobs("ssh://m1") == 0 && r.numSteps() == 0
	})

	rows := r.db.stepRows(1)
	if len(rows) == 0 {
		t.Fatal("no step row recorded")
	}
	last := rows[len(rows)-1]
	if last.status != types.BuildAborted || last.errorMsg != "cancelled" {
		t.Errorf("step row = %+v, want aborted/cancelled", last)
	}
	if _, ok := r.db.finishedBuild(1); ok {
		t.Error("cancelled build must not be finished by the worker")
	}
}

func TestTransientMachineFailureRetry(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()

	r.farm.dialFails["ssh://m1"] = 1

	r.addDrv("d1.drv", "x86_64-linux", nil)
	r.submit(1, "proj", "js", "d1.drv")

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	r.s.doDispatch(ctx)
	waitFor(t, "step to requeue after transport failure", func() bool {
		return r.s.stats.NrRetries.Load() == 1 && r.numRunnable() == 1
	})

	// The machine is cooling down and the step is deferred.
	r.s.machinesMu.Lock()
	m := r.s.machines["ssh://m1"]
	r.s.machinesMu.Unlock()
	if !m.State.Disabled(r.clock.Now()) {
		t.Error("machine not disabled after transport failure")
	}

	// Inside the retry window nothing dispatches.
	r.s.doDispatch(ctx)
	if len(r.farm.builtDrvs()) != 0 {
		t.Fatal("step dispatched before its retry delay elapsed")
	}

	r.clock.Advance(2 * time.Minute)
	r.s.doDispatch(ctx)
	waitFor(t, "build to finish after retry", func() bool {
		_, ok := r.db.finishedBuild(1)
		return ok
	})

	f, _ := r.db.finishedBuild(1)
	if f.Status != types.BuildSuccess {
		t.Errorf("build status = %v, want success", f.Status)
	}
	if r.farm.dials != 2 {
		t.Errorf("dials = %d, want 2", r.farm.dials)
	}
	if n := r.s.stats.NrRetries.Load(); n != 1 {
		t.Errorf("NrRetries = %d, want 1", n)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()
	r.cfg.MaxTries = 2
	r.cfg.MachineBaseCooldown = 0

	r.farm.dialFails["ssh://m1"] = 100

	r.addDrv("d1.drv", "x86_64-linux", nil)
	r.submit(1, "proj", "js", "d1.drv")

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}

	// maxTries retries are allowed; the attempt after that fails
	// the step permanently.
	for i := 0; i < r.cfg.MaxTries+1; i++ {
		r.s.doDispatch(ctx)
		waitFor(t, "attempt to settle", func() bool {
			if _, ok := r.db.finishedBuild(1); ok {
				return true
			}
			return r.numRunnable() == 1
		})
		r.clock.Advance(time.Hour)
	}

	f, ok := r.db.finishedBuild(1)
	if !ok {
		t.Fatal("build never failed permanently")
	}
	if f.Status != types.BuildAborted {
		t.Errorf("build status = %v, want aborted", f.Status)
	}
}

func TestNonDeterministicBuild(t *testing.T) {
	r := newRig(t, oneMachine)
	ctx := context.Background()
	r.cfg.JobsetRepeats["proj:js"] = 1

	r.addDrv("d1.drv", "x86_64-linux", nil)
	r.submit(1, "proj", "js", "d1.drv")

	r.farm.results["d1.drv"] = &types.RemoteResult{
		StepStatus:         types.BuildSuccess,
		TimesBuilt:         2,
		IsNonDeterministic: true,
	}

	if err := r.s.getQueuedBuilds(ctx); err != nil {
		t.Fatalf("getQueuedBuilds: %v", err)
	}
	r.s.doDispatch(ctx)
	waitFor(t, "build to finish", func() bool {
		_, ok := r.db.finishedBuild(1)
		return ok
	})

	f, _ := r.db.finishedBuild(1)
	if f.Status != types.BuildNotDeterministic {
		t.Errorf("build status = %v, want not deterministic", f.Status)
	}
}

func TestFinishedInDBExactlyOnce(t *testing.T) {
	b := &Build{ID: 1}
	if !b.markFinished() {
		t.Fatal("first markFinished returned false")
	}
	if b.markFinished() {
		t.Fatal("second markFinished returned true")
	}
	if !b.FinishedInDB() {
		t.Fatal("FinishedInDB false after transition")
	}
}
