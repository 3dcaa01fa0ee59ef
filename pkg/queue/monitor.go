package queue

import (
	"context"
	"runtime"
	"time"

	"github.com/the-maldridge/qrunner/pkg/db"
	"github.com/the-maldridge/qrunner/pkg/types"
)

const (
	monitorIdleInterval = 5 * time.Minute
	monitorMaxBackoff   = 2 * time.Minute
)

// QueueMonitor reflects the database's pending builds into the
// in-memory graph.  It is the only task that creates builds and
// steps.  Database errors abort the current pass; the monitor backs
// off exponentially and retries.
func (s *Scheduler) QueueMonitor(ctx context.Context, notifs <-chan db.Notification) {
	backoff := time.Second

	// Pending work flags, so notification bursts coalesce into a
	// single pass doing everything needed.
	checkQueue := true
	checkChange := false
	checkShares := false
	dumpStatus := false

	for {
		if ctx.Err() != nil {
			return
		}

		s.metrics.QueueChecksStarted.Inc()
		start := time.Now()
		err := s.monitorPass(ctx, &checkQueue, &checkChange, &checkShares, &dumpStatus)
		s.metrics.QueueMonitorTimeSpentRunning.Add(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.l.Error("Queue monitor pass failed", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > monitorMaxBackoff {
				backoff = monitorMaxBackoff
			}
			continue
		}
		backoff = time.Second
		s.metrics.QueueChecksFinished.Inc()

		waitStart := time.Now()
		select {
		case n, ok := <-notifs:
			if !ok {
				return
			}
			s.stats.NrQueueWakeups.Add(1)
			s.applyNotification(n, &checkQueue, &checkChange, &checkShares, &dumpStatus)
			// Drain whatever else queued up behind it.
		drain:
			for {
				select {
				case n, ok := <-notifs:
					if !ok {
						break drain
					}
					s.applyNotification(n, &checkQueue, &checkChange, &checkShares, &dumpStatus)
				default:
					break drain
				}
			}
		case <-s.queueWake.Chan():
			s.stats.NrQueueWakeups.Add(1)
			checkQueue = true
		case <-time.After(monitorIdleInterval):
			checkQueue = true
		case <-ctx.Done():
			return
		}
		s.metrics.QueueMonitorTimeSpentWaiting.Add(time.Since(waitStart).Seconds())
	}
}

func (s *Scheduler) applyNotification(n db.Notification, checkQueue, checkChange, checkShares, dumpStatus *bool) {
	switch n.Channel {
	case "builds_added":
		*checkQueue = true
	case "builds_restarted":
		// Restarted builds reuse old ids; drop the watermark so
		// they are picked up again.
		s.lastMonitorID = 0
		*checkQueue = true
	case "builds_cancelled", "builds_deleted", "builds_bumped":
		*checkChange = true
	case "jobset_shares_changed":
		*checkShares = true
	case "dump_status":
		*dumpStatus = true
	default:
		s.l.Debug("Ignoring unknown notification", "channel", n.Channel)
	}
}

func (s *Scheduler) monitorPass(ctx context.Context, checkQueue, checkChange, checkShares, dumpStatus *bool) error {
	if *checkChange {
		if err := s.processQueueChange(ctx); err != nil {
			return err
		}
		*checkChange = false
	}
	if *checkShares {
		if err := s.processJobsetSharesChange(ctx); err != nil {
			return err
		}
		*checkShares = false
	}
	if *checkQueue {
		if err := s.getQueuedBuilds(ctx); err != nil {
			return err
		}
		*checkQueue = false
	}
	if *dumpStatus {
		if err := s.dumpStatus(ctx); err != nil {
			return err
		}
		*dumpStatus = false
	}
	s.clearOrphans(ctx)
	s.collectDeadSteps()
	return nil
}

// getQueuedBuilds loads every pending build above the watermark and
// expands it into steps.
func (s *Scheduler) getQueuedBuilds(ctx context.Context) error {
	rows, err := s.db.GetPendingBuilds(ctx, s.lastMonitorID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.metrics.QueueChecksEarlyExits.Inc()
		return nil
	}

	// Rows arrive in priority order, not id order, so the
	// watermark only advances once the batch loads; a load failure
	// pins it below the failed row for the retry pass.
	newLast := s.lastMonitorID
	newRunnable := make(map[*Step]struct{})
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.buildOne != 0 && row.ID != s.buildOne {
			continue
		}
		s.buildsMu.Lock()
		_, known := s.builds[row.ID]
		s.buildsMu.Unlock()
		if known {
			if row.ID > newLast {
				newLast = row.ID
			}
			continue
		}

		if err := s.loadBuild(ctx, row, newRunnable); err != nil {
			return err
		}
		if row.ID > newLast {
			newLast = row.ID
		}
		s.metrics.QueueBuildLoads.Inc()
		s.stats.NrBuildsRead.Add(1)
	}
	s.lastMonitorID = newLast

	for st := range newRunnable {
		s.makeRunnable(st)
	}
	return nil
}

func (s *Scheduler) loadBuild(ctx context.Context, row db.BuildRow, newRunnable map[*Step]struct{}) error {
	jobset, err := s.createJobset(ctx, row.Project, row.Jobset)
	if err != nil {
		return err
	}

	b := &Build{
		ID:             row.ID,
		DrvPath:        row.DrvPath,
		Outputs:        make(map[string]string),
		Project:        row.Project,
		JobsetName:     row.Jobset,
		JobName:        row.Job,
		Timestamp:      row.Timestamp,
		MaxSilentTime:  row.MaxSilentTime,
		BuildTimeout:   row.BuildTimeout,
		LocalPriority:  row.LocalPriority,
		globalPriority: row.GlobalPriority,
		Jobset:         jobset,
	}

	finishedDrvs := make(map[string]struct{})
	step, err := s.createStep(ctx, b, b.DrvPath, b, nil, finishedDrvs, newRunnable)
	if err != nil {
		return err
	}

	if step == nil {
		// Every output is already valid in the destination
		// store; the build is finished without dispatching
		// anything.
		return s.finishCachedBuild(ctx, b)
	}

	b.toplevel = step

	s.buildsMu.Lock()
	s.builds[b.ID] = b
	s.propagatePriorities(b)
	s.buildsMu.Unlock()

	s.l.Debug("Loaded build", "build", b.ID, "job", b.FullJobName(), "drv", b.DrvPath)
	return nil
}

// createStep ensures a live step exists for drvPath, attaching the
// referring build or step to it.  Returns nil when every output of
// the derivation is already valid, meaning nothing needs to run.
func (s *Scheduler) createStep(ctx context.Context, b *Build, drvPath string, referringBuild *Build, referringStep *Step, finishedDrvs map[string]struct{}, newRunnable map[*Step]struct{}) (*Step, error) {
	if _, ok := finishedDrvs[drvPath]; ok {
		return nil, nil
	}

	s.stepsMu.Lock()
	st, known := s.steps[drvPath]
	if !known {
		st = newStep(drvPath)
		s.steps[drvPath] = st
	}
	s.stepsMu.Unlock()

	if referringBuild != nil {
		st.addBuild(referringBuild)
	}
	if referringStep != nil {
		st.addRdep(referringStep)
	}

	if known {
		st.mu.Lock()
		created := st.created
		st.mu.Unlock()
		if created {
			return st, nil
		}
		// Another expansion in the same pass is still filling
		// this step in; the monitor is single-tasked so this
		// only happens on diamond dependencies, which are
		// complete by the time we return.
		return st, nil
	}
	s.metrics.QueueStepsCreated.Inc()

	drv, err := s.localStore.ReadDerivation(ctx, drvPath)
	if err != nil {
		s.dropStep(st)
		return nil, err
	}

	st.Drv = drv
	st.RequiredFeatures = drv.RequiredSystemFeatures()
	st.PreferLocal = drv.PreferLocalBuild()
	st.Platform = drv.Platform
	if drv.IsBuiltin() {
		st.Platform = thisSystem()
	}
	st.SystemType = types.SystemType(st.Platform, st.RequiredFeatures)

	// Probe the destination store for outputs that already exist.
	outputs := drv.OutputPaths()
	valid, err := s.destStore.QueryValidPaths(ctx, outputs)
	if err != nil {
		s.dropStep(st)
		return nil, err
	}
	if len(valid) == len(outputs) {
		finishedDrvs[drvPath] = struct{}{}
		s.dropStep(st)
		return nil, nil
	}

	// Expand input derivations whose outputs are missing.
	for inputDrv := range drv.InputDrvs {
		dep, err := s.createStep(ctx, b, inputDrv, nil, st, finishedDrvs, newRunnable)
		if err != nil {
			s.dropStep(st)
			return nil, err
		}
		if dep != nil {
			st.mu.Lock()
			st.deps[dep] = struct{}{}
			st.mu.Unlock()
		}
	}

	st.mu.Lock()
	st.created = true
	if len(st.deps) == 0 {
		newRunnable[st] = struct{}{}
	}
	st.mu.Unlock()

	s.l.Trace("Created step", "drv", drvPath, "systemType", st.SystemType)
	return st, nil
}

// dropStep removes a step from the steps index if it is still the
// registered step for its derivation.
func (s *Scheduler) dropStep(st *Step) {
	s.stepsMu.Lock()
	if cur, ok := s.steps[st.DrvPath]; ok && cur == st {
		delete(s.steps, st.DrvPath)
	}
	s.stepsMu.Unlock()
}

// finishCachedBuild records a build whose outputs were all present at
// expansion time.
func (s *Scheduler) finishCachedBuild(ctx context.Context, b *Build) error {
	now := s.now()

	drv, err := s.localStore.ReadDerivation(ctx, b.DrvPath)
	if err != nil {
		return err
	}
	outputs := make(map[string]string, len(drv.Outputs))
	for name, o := range drv.Outputs {
		outputs[name] = o.Path
		if _, err := s.db.CreateSubstitutionStep(ctx, b.ID, b.DrvPath, name, o.Path, now, now); err != nil {
			return err
		}
	}

	if !b.markFinished() {
		return nil
	}
	if err := s.db.MarkSucceededBuild(ctx, b.ID, outputs, true, now, now); err != nil {
		return err
	}
	if err := s.db.NotifyBuildFinished(ctx, b.ID, nil); err != nil {
		s.l.Warn("Unable to notify build finished", "build", b.ID, "err", err)
	}
	s.stats.NrBuildsDone.Add(1)
	s.checkBuildOne(b.ID)
	s.l.Info("Build satisfied from cache", "build", b.ID, "job", b.FullJobName())
	return nil
}

// createJobset returns the fair-share account for (project, name),
// loading its share count on first sight.
func (s *Scheduler) createJobset(ctx context.Context, project, name string) (*Jobset, error) {
	key := project + ":" + name

	s.jobsetsMu.Lock()
	j, ok := s.jobsets[key]
	s.jobsetsMu.Unlock()
	if ok {
		return j, nil
	}

	shares, err := s.db.GetJobsetShares(ctx, project, name)
	if err != nil {
		return nil, err
	}
	j = NewJobset(project, name, shares, time.Duration(s.cfg.SchedulingWindow)*time.Second)

	s.jobsetsMu.Lock()
	if cur, ok := s.jobsets[key]; ok {
		j = cur
	} else {
		s.jobsets[key] = j
	}
	s.jobsetsMu.Unlock()
	return j, nil
}

// processQueueChange reconciles cancellations, deletions and
// priority bumps against the in-memory set.
func (s *Scheduler) processQueueChange(ctx context.Context) error {
	prios, err := s.db.GetPendingBuildPriorities(ctx)
	if err != nil {
		return err
	}

	var gone []*Build
	var bumped []*Build

	s.buildsMu.Lock()
	for id, b := range s.builds {
		prio, ok := prios[id]
		switch {
		case !ok:
			delete(s.builds, id)
			gone = append(gone, b)
		case prio != b.globalPriority:
			b.globalPriority = prio
			bumped = append(bumped, b)
		}
	}
	for _, b := range bumped {
		s.propagatePriorities(b)
	}
	s.buildsMu.Unlock()

	for _, b := range gone {
		s.l.Info("Build cancelled or deleted", "build", b.ID, "job", b.FullJobName())
		s.detachBuild(b)
	}
	if len(gone) > 0 || len(bumped) > 0 {
		s.WakeDispatcher()
	}
	return nil
}

// detachBuild removes a cancelled build's references from its steps,
// cancelling any worker whose step no longer serves a live build.
func (s *Scheduler) detachBuild(b *Build) {
	if b.toplevel == nil {
		return
	}
	visitDependencies(func(st *Step) {
		st.removeBuild(b.ID)
	}, b.toplevel)

	// Steps that no longer serve anyone get cancelled (if held) or
	// collected below.
	s.activeMu.Lock()
	for a := range s.active {
		builds, _ := getDependents(a.Step)
		if len(builds) == 0 {
			a.Cancel()
		}
	}
	s.activeMu.Unlock()
	s.collectDeadSteps()
}

// processJobsetSharesChange reloads share counts for every known
// jobset.
func (s *Scheduler) processJobsetSharesChange(ctx context.Context) error {
	s.jobsetsMu.Lock()
	jobsets := make([]*Jobset, 0, len(s.jobsets))
	for _, j := range s.jobsets {
		jobsets = append(jobsets, j)
	}
	s.jobsetsMu.Unlock()

	for _, j := range jobsets {
		shares, err := s.db.GetJobsetShares(ctx, j.project, j.name)
		if err != nil {
			return err
		}
		j.SetShares(shares)
	}
	return nil
}

// clearOrphans aborts step rows left busy by an earlier database
// failure.
func (s *Scheduler) clearOrphans(ctx context.Context) {
	s.orphanedMu.Lock()
	orphans := make([]orphan, 0, len(s.orphaned))
	for o := range s.orphaned {
		orphans = append(orphans, o)
	}
	s.orphanedMu.Unlock()

	now := s.now()
	for _, o := range orphans {
		if err := s.db.AbortBuildStep(ctx, o.build, o.stepNr, now); err != nil {
			s.l.Warn("Unable to clear orphaned step", "build", o.build, "step", o.stepNr, "err", err)
			return
		}
		s.orphanedMu.Lock()
		delete(s.orphaned, o)
		s.orphanedMu.Unlock()
	}
}

// collectDeadSteps drops steps that no build needs and no worker
// holds.
func (s *Scheduler) collectDeadSteps() {
	s.stepsMu.Lock()
	candidates := make([]*Step, 0)
	for _, st := range s.steps {
		candidates = append(candidates, st)
	}
	s.stepsMu.Unlock()

	for _, st := range candidates {
		st.mu.Lock()
		held := st.held
		st.mu.Unlock()
		if held {
			continue
		}
		builds, _ := getDependents(st)
		if len(builds) != 0 {
			continue
		}
		s.removeRunnable(st)
		s.dropStep(st)
		s.l.Trace("Collected dead step", "drv", st.DrvPath)
	}
}

// thisSystem is the system type builtin derivations run as.
func thisSystem() string {
	// linux/amd64 -> x86_64-linux, the conventional spelling.
	arch := map[string]string{
		"amd64": "x86_64",
		"arm64": "aarch64",
		"386":   "i686",
	}
	a, ok := arch[runtime.GOARCH]
	if !ok {
		a = runtime.GOARCH
	}
	return a + "-" + runtime.GOOS
}
