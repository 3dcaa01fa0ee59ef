package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/the-maldridge/qrunner/pkg/db"
	"github.com/the-maldridge/qrunner/pkg/logstore"
	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/store"
	"github.com/the-maldridge/qrunner/pkg/types"
)

const (
	sendLockTimeout    = 15 * time.Second
	machineMaxCooldown = 10 * time.Minute
)

// builder drives one reservation to a verdict.  One runs per active
// step; it is a straight-line blocking task with cancellation polled
// at every I/O boundary.
func (s *Scheduler) builder(ctx context.Context, res *Reservation) {
	defer s.WakeDispatcher()
	defer s.releaseReservation(res)

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &ActiveStep{Step: res.Step, cancel: cancel}
	s.activeMu.Lock()
	s.active[active] = struct{}{}
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		delete(s.active, active)
		s.activeMu.Unlock()
	}()

	st := res.Step
	switch s.doBuildStep(bctx, res, active) {
	case sDone:
		// Terminal; doBuildStep finished or failed the step.
	case sRetry:
		st.mu.Lock()
		st.held = false
		st.mu.Unlock()
		s.makeRunnable(st)
	case sMaybeCancelled:
		st.mu.Lock()
		st.held = false
		st.mu.Unlock()
		builds, _ := getDependents(st)
		if len(builds) == 0 {
			// Cancelled for real; the monitor already dropped
			// the builds.
			s.removeRunnable(st)
			s.dropStep(st)
		} else {
			// Spurious; someone still wants this step.
			s.makeRunnable(st)
		}
	}
}

// doBuildStep performs one attempt at the reserved step.
func (s *Scheduler) doBuildStep(ctx context.Context, res *Reservation, active *ActiveStep) StepResult {
	st, m := res.Step, res.Machine
	now := s.now()

	builds, _ := getDependents(st)
	if len(builds) == 0 {
		// Every referencing build was cancelled or finished
		// while we sat in the runnable list.
		st.mu.Lock()
		st.held = false
		st.mu.Unlock()
		s.dropStep(st)
		return sDone
	}
	build := pickBuild(builds, s.buildOne)

	// A previously recorded permanent failure short-circuits the
	// step without touching a machine.
	outputs := st.Drv.OutputPaths()
	cached, err := s.db.CheckCachedFailure(ctx, outputs)
	if err != nil {
		s.l.Warn("Unable to check cached failures", "drv", st.DrvPath, "err", err)
		st.mu.Lock()
		st.after = now.Add(time.Duration(s.cfg.RetryInterval) * time.Second)
		st.mu.Unlock()
		return sRetry
	}
	if cached {
		s.l.Info("Step has a cached failure", "drv", st.DrvPath)
		result := &types.RemoteResult{
			StepStatus: types.BuildCachedFailure,
			ErrorMsg:   "cached failure",
			StartTime:  now.Unix(),
			StopTime:   now.Unix(),
		}
		if _, err := s.db.CreateBuildStep(ctx, now, build.ID, st.DrvPath, "", types.BuildCachedFailure, result.ErrorMsg, 0); err != nil {
			s.l.Warn("Unable to record cached failure step", "build", build.ID, "err", err)
		}
		s.failStep(ctx, st, build.ID, result, "")
		return sDone
	}

	stepNr, err := s.db.CreateBuildStep(ctx, now, build.ID, st.DrvPath, m.StoreURI, types.BuildBusy, "", 0)
	if err != nil {
		s.l.Warn("Unable to create build step row", "build", build.ID, "err", err)
		st.mu.Lock()
		st.after = now.Add(time.Duration(s.cfg.RetryInterval) * time.Second)
		st.mu.Unlock()
		return sRetry
	}
	s.stats.NrDBUpdates.Add(1)

	for _, b := range sortBuilds(builds) {
		if b.started.CompareAndSwap(false, true) {
			if err := s.db.NotifyBuildStarted(ctx, b.ID); err != nil {
				s.l.Warn("Unable to notify build started", "build", b.ID, "err", err)
			}
		}
	}

	result := &types.RemoteResult{
		StepStatus: types.BuildAborted,
		StartTime:  now.Unix(),
	}
	buildErr := s.buildRemote(ctx, res, active, build, stepNr, result)
	stop := s.now()
	if result.StopTime == 0 {
		result.StopTime = stop.Unix()
	}

	if active.Cancelled() {
		result.StepStatus = types.BuildAborted
		result.ErrorMsg = "cancelled"
		if err := s.db.FinishBuildStep(ctx, build.ID, stepNr, result, m.StoreURI); err != nil {
			s.orphanStep(build.ID, stepNr)
		}
		return sMaybeCancelled
	}

	var sendLock ErrSendLockTimeout
	if errors.As(buildErr, &sendLock) {
		// The machine is saturated with uploads; put the step
		// back without burning a retry.
		result.ErrorMsg = buildErr.Error()
		if err := s.db.FinishBuildStep(ctx, build.ID, stepNr, result, m.StoreURI); err != nil {
			s.orphanStep(build.ID, stepNr)
		}
		st.mu.Lock()
		st.after = stop.Add(time.Second)
		st.mu.Unlock()
		return sRetry
	}

	if buildErr != nil {
		// Transport-level trouble: back the machine off and
		// treat the attempt as retryable.
		m.State.Fail(stop, time.Duration(s.cfg.MachineBaseCooldown)*time.Second, machineMaxCooldown)
		result.StepStatus = types.BuildAborted
		result.CanRetry = true
		result.ErrorMsg = buildErr.Error()
		s.l.Warn("Step attempt failed", "reservation", res.ID, "drv", st.DrvPath, "machine", m.StoreURI, "err", buildErr)
	} else {
		m.State.Succeed()
	}

	if err := s.db.FinishBuildStep(ctx, build.ID, stepNr, result, m.StoreURI); err != nil {
		// The step stays busy in the database until the monitor
		// clears it.
		s.l.Warn("Unable to record step result; orphaning", "build", build.ID, "step", stepNr, "err", err)
		s.orphanStep(build.ID, stepNr)
		st.mu.Lock()
		st.after = stop.Add(time.Duration(s.cfg.RetryInterval) * time.Second)
		st.mu.Unlock()
		return sRetry
	}

	if result.StepStatus == types.BuildSuccess {
		s.succeedStep(ctx, st, m, result)
		return sDone
	}

	if result.CanRetry {
		st.mu.Lock()
		st.tries++
		tries := st.tries
		st.mu.Unlock()
		if tries <= s.cfg.MaxTries {
			delay := time.Duration(float64(s.cfg.RetryInterval)*math.Pow(s.cfg.RetryBackoff, float64(tries-1))) * time.Second
			st.mu.Lock()
			st.after = stop.Add(delay)
			st.mu.Unlock()
			s.stats.NrRetries.Add(1)
			if t := uint64(tries); t > s.stats.MaxNrRetries.Load() {
				s.stats.MaxNrRetries.Store(t)
			}
			s.l.Info("Will retry step", "drv", st.DrvPath, "tries", tries, "delay", delay)
			return sRetry
		}
	}

	if result.CanCache {
		if err := s.db.MarkFailedPaths(ctx, outputs); err != nil {
			s.l.Warn("Unable to cache failure", "drv", st.DrvPath, "err", err)
		}
	}
	s.failStep(ctx, st, build.ID, result, m.StoreURI)
	return sDone
}

// buildRemote runs the remote protocol for one attempt: upload the
// missing input closure under the machine's send lock, build, pull
// outputs back and register them.  A returned error is
// transport-level; build failures land in result instead.
func (s *Scheduler) buildRemote(ctx context.Context, res *Reservation, active *ActiveStep, build *Build, stepNr int, result *types.RemoteResult) error {
	st, m := res.Step, res.Machine

	updateStep := func(state types.StepState) {
		if err := s.db.UpdateBuildStep(ctx, build.ID, stepNr, state); err != nil {
			s.l.Warn("Unable to update step phase", "build", build.ID, "step", stepNr, "err", err)
		}
	}

	if !m.State.TryLockSend(sendLockTimeout) {
		return ErrSendLockTimeout{}
	}
	sendLocked := true
	defer func() {
		if sendLocked {
			m.State.UnlockSend()
		}
	}()

	updateStep(types.StepConnecting)
	client, err := s.dial(ctx, m)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", m.StoreURI, err)
	}
	defer client.Close()

	if active.Cancelled() {
		return nil
	}

	updateStep(types.StepSendingInputs)
	closure, err := s.inputClosure(ctx, st.Drv)
	if err != nil {
		return err
	}
	valid, err := client.QueryValidPaths(ctx, closure)
	if err != nil {
		return fmt.Errorf("querying valid paths on %s: %w", m.StoreURI, err)
	}
	missing := subtract(closure, valid)

	if len(missing) > 0 {
		// Uploads across machines run in parallel, but the total
		// is bounded.
		if err := s.copyClosure.Acquire(ctx, 1); err != nil {
			return err
		}
		s.stats.NrStepsCopyingTo.Add(1)
		err = client.ImportPaths(ctx, missing, func(p string, w io.Writer) error {
			_, nerr := s.localStore.NarFromPath(ctx, p, &countWriter{w: w, n: &s.stats.BytesSent})
			return nerr
		})
		s.stats.NrStepsCopyingTo.Add(-1)
		s.copyClosure.Release(1)
		if err != nil {
			return fmt.Errorf("copying closure to %s: %w", m.StoreURI, err)
		}
	}

	m.State.UnlockSend()
	sendLocked = false

	if active.Cancelled() {
		return nil
	}

	updateStep(types.StepBuilding)
	var logw io.Writer
	var sink *logstore.Sink
	if s.logs != nil {
		sink, err = s.logs.Create(st.DrvPath)
		if err != nil {
			s.l.Warn("Unable to open log sink", "drv", st.DrvPath, "err", err)
		} else {
			defer sink.Close()
			logw = sink
		}
	}

	opts := machine.BuildOptions{
		MaxSilentTime: build.MaxSilentTime,
		BuildTimeout:  build.BuildTimeout,
		MaxLogSize:    s.cfg.MaxLogSize,
		Repeats:       s.cfg.JobsetRepeats[build.Project+":"+build.JobsetName],
	}

	s.stats.NrStepsBuilding.Add(1)
	rres, err := client.BuildDerivation(ctx, st.DrvPath, st.Drv, opts, logw)
	s.stats.NrStepsBuilding.Add(-1)
	if err != nil {
		return fmt.Errorf("building on %s: %w", m.StoreURI, err)
	}

	result.StepStatus = rres.StepStatus
	result.CanRetry = rres.CanRetry
	result.CanCache = rres.CanCache
	result.ErrorMsg = rres.ErrorMsg
	result.TimesBuilt = rres.TimesBuilt
	result.IsNonDeterministic = rres.IsNonDeterministic
	if rres.StartTime != 0 {
		result.StartTime = rres.StartTime
	}
	if rres.StopTime != 0 {
		result.StopTime = rres.StopTime
	}
	if sink != nil {
		result.LogFile = sink.Path()
	}

	if result.IsNonDeterministic && opts.Repeats > 0 {
		result.StepStatus = types.BuildNotDeterministic
	}
	if sink != nil && sink.Truncated() && result.StepStatus == types.BuildSuccess {
		result.StepStatus = types.BuildLogLimitExceeded
		result.ErrorMsg = "log size limit exceeded"
	}
	if result.StepStatus != types.BuildSuccess {
		return nil
	}
	if active.Cancelled() {
		return nil
	}

	updateStep(types.StepReceivingOutputs)
	s.stats.NrStepsCopyingFrom.Add(1)
	nars := make(map[string][]byte, len(st.Drv.Outputs))
	for _, p := range st.Drv.OutputPaths() {
		var buf bytes.Buffer
		if err := client.NarFromPath(ctx, p, &buf); err != nil {
			s.stats.NrStepsCopyingFrom.Add(-1)
			return fmt.Errorf("fetching %s from %s: %w", p, m.StoreURI, err)
		}
		s.stats.BytesReceived.Add(uint64(buf.Len()))
		if s.cfg.MaxOutputSize > 0 && int64(buf.Len()) > s.cfg.MaxOutputSize {
			s.stats.NrStepsCopyingFrom.Add(-1)
			result.StepStatus = types.BuildNarSizeLimit
			result.ErrorMsg = fmt.Sprintf("output %s exceeds size limit", p)
			return nil
		}
		nars[p] = buf.Bytes()
	}
	s.stats.NrStepsCopyingFrom.Add(-1)

	// NAR scanning and registration are CPU bound; throttle them.
	s.stats.NrStepsWaiting.Add(1)
	updateStep(types.StepWaitingLocalSlot)
	if err := s.localWork.Acquire(ctx, 1); err != nil {
		s.stats.NrStepsWaiting.Add(-1)
		return err
	}
	s.stats.NrStepsWaiting.Add(-1)
	defer s.localWork.Release(1)

	updateStep(types.StepPostProcessing)
	for p, data := range nars {
		members, err := store.ExtractNarMembers(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("scanning nar for %s: %w", p, err)
		}
		s.l.Trace("Scanned output", "path", p, "members", len(members))
		info := &store.NarInfo{Path: p, Deriver: st.DrvPath}
		if err := s.destStore.AddToStore(ctx, info, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("registering %s: %w", p, err)
		}
		if s.roots != nil {
			s.roots.Add(p)
		}
	}
	return nil
}

// succeedStep retires a successfully built step: charge the
// jobsets, finish the builds it tops, unblock its dependents, and
// drop it from the graph.
func (s *Scheduler) succeedStep(ctx context.Context, st *Step, m *machine.Machine, result *types.RemoteResult) {
	now := s.now()
	st.finished.Store(true)
	s.stats.NrStepsDone.Add(1)

	dur := result.StopTime - result.StartTime
	if dur < 0 {
		dur = 0
	}
	buildDur := dur - result.Overhead
	if buildDur < 0 {
		buildDur = 0
	}
	s.stats.TotalStepTime.Add(dur)
	s.stats.TotalStepBuildTime.Add(buildDur)

	if m != nil {
		s.machinesMu.Lock()
		m.State.NrStepsDone++
		m.State.TotalStepTime += dur
		m.State.TotalStepBuildTime += buildDur
		s.machinesMu.Unlock()
	}

	st.mu.Lock()
	jobsets := make([]*Jobset, 0, len(st.jobsets))
	for j := range st.jobsets {
		jobsets = append(jobsets, j)
	}
	builds := make([]*Build, 0, len(st.builds))
	for _, b := range st.builds {
		builds = append(builds, b)
	}
	rdeps := append([]*Step(nil), st.rdeps...)
	st.mu.Unlock()

	start := time.Unix(result.StartTime, 0)
	for _, j := range jobsets {
		j.AddStep(start, time.Duration(dur)*time.Second)
		j.PruneSteps(now)
	}

	outputs := make(map[string]string, len(st.Drv.Outputs))
	for name, o := range st.Drv.Outputs {
		outputs[name] = o.Path
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })
	for _, b := range builds {
		if !b.markFinished() {
			continue
		}
		if err := s.db.MarkSucceededBuild(ctx, b.ID, outputs, false, time.Unix(result.StartTime, 0), time.Unix(result.StopTime, 0)); err != nil {
			s.l.Warn("Unable to finish build", "build", b.ID, "err", err)
		}
		if err := s.db.NotifyBuildFinished(ctx, b.ID, nil); err != nil {
			s.l.Warn("Unable to notify build finished", "build", b.ID, "err", err)
		}
		s.buildsMu.Lock()
		delete(s.builds, b.ID)
		s.buildsMu.Unlock()
		s.stats.NrBuildsDone.Add(1)
		s.checkBuildOne(b.ID)
		s.l.Info("Build finished", "build", b.ID, "job", b.FullJobName(), "status", types.BuildSuccess)
	}

	for _, rd := range rdeps {
		rd.mu.Lock()
		delete(rd.deps, st)
		ready := rd.created && len(rd.deps) == 0 && !rd.runnable && !rd.held
		rd.mu.Unlock()
		if ready {
			s.makeRunnable(rd)
		}
	}

	s.dropStep(st)
}

// failStep fails a step permanently, cascading to every build that
// transitively needs it.
func (s *Scheduler) failStep(ctx context.Context, st *Step, propagatedFrom types.BuildID, result *types.RemoteResult, machineURI string) {
	st.finished.Store(true)
	now := s.now()

	builds, steps := getDependents(st)
	status := result.BuildStatus()

	var finishes []db.BuildFinish
	var finishedIDs []types.BuildID
	for _, b := range sortBuilds(builds) {
		if !b.markFinished() {
			continue
		}
		finishes = append(finishes, db.BuildFinish{
			ID:        b.ID,
			Status:    status,
			StartTime: time.Unix(result.StartTime, 0),
			StopTime:  time.Unix(result.StopTime, 0),
		})
		finishedIDs = append(finishedIDs, b.ID)
		s.l.Info("Build failed", "build", b.ID, "job", b.FullJobName(), "status", status)
	}

	if err := s.db.FinishBuilds(ctx, finishes); err != nil {
		s.l.Warn("Unable to finish builds", "err", err)
	}
	for _, id := range finishedIDs {
		deps := make([]types.BuildID, 0, len(finishedIDs)-1)
		for _, other := range finishedIDs {
			if other != id {
				deps = append(deps, other)
			}
		}
		if err := s.db.NotifyBuildFinished(ctx, id, deps); err != nil {
			s.l.Warn("Unable to notify build finished", "build", id, "err", err)
		}
	}

	s.buildsMu.Lock()
	for _, id := range finishedIDs {
		delete(s.builds, id)
	}
	s.buildsMu.Unlock()
	s.stats.NrBuildsDone.Add(uint64(len(finishedIDs)))
	for _, id := range finishedIDs {
		s.checkBuildOne(id)
	}

	// Steps abandoned by the cascade get a row marking them as
	// dependency failures, tied back to the build whose step
	// actually failed.
	for dst := range steps {
		if dst == st {
			continue
		}
		dst.mu.Lock()
		dstBuilds := make([]*Build, 0, len(dst.builds))
		for _, b := range dst.builds {
			dstBuilds = append(dstBuilds, b)
		}
		dst.mu.Unlock()
		sort.Slice(dstBuilds, func(i, j int) bool { return dstBuilds[i].ID < dstBuilds[j].ID })
		for _, b := range dstBuilds {
			if _, err := s.db.CreateBuildStep(ctx, now, b.ID, dst.DrvPath, "", types.BuildDepFailed, result.ErrorMsg, propagatedFrom); err != nil {
				s.l.Warn("Unable to record propagated step", "build", b.ID, "drv", dst.DrvPath, "err", err)
			}
		}
	}

	// The failed step and everything that was only waiting on it
	// leave the graph.
	for dst := range steps {
		dst.mu.Lock()
		held := dst.held && dst != st
		dst.mu.Unlock()
		if held {
			continue
		}
		s.removeRunnable(dst)
		s.dropStep(dst)
	}
}

func (s *Scheduler) orphanStep(id types.BuildID, stepNr int) {
	s.orphanedMu.Lock()
	s.orphaned[orphan{build: id, stepNr: stepNr}] = struct{}{}
	s.orphanedMu.Unlock()
}

func (s *Scheduler) checkBuildOne(id types.BuildID) {
	if s.buildOne != 0 && id == s.buildOne {
		s.buildOneOnce.Do(func() { close(s.buildOneDone) })
	}
}

// inputClosure computes the full set of local paths a derivation
// needs on the remote: input sources, consumed outputs of input
// derivations, and their reference closures.
func (s *Scheduler) inputClosure(ctx context.Context, drv *store.Derivation) ([]string, error) {
	seen := make(map[string]struct{})
	var frontier []string

	frontier = append(frontier, drv.InputSrcs...)
	for inputDrv, outs := range drv.InputDrvs {
		indrv, err := s.localStore.ReadDerivation(ctx, inputDrv)
		if err != nil {
			return nil, err
		}
		if len(outs) == 0 {
			frontier = append(frontier, indrv.OutputPaths()...)
			continue
		}
		for _, name := range outs {
			if o, ok := indrv.Outputs[name]; ok {
				frontier = append(frontier, o.Path)
			}
		}
	}

	var closure []string
	for len(frontier) > 0 {
		p := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		closure = append(closure, p)

		info, err := s.localStore.QueryPathInfo(ctx, p)
		if err != nil {
			if errors.Is(err, store.ErrNotValid) {
				return nil, fmt.Errorf("input %s is not valid locally: %w", p, err)
			}
			return nil, err
		}
		frontier = append(frontier, info.References...)
	}
	sort.Strings(closure)
	return closure, nil
}

func pickBuild(builds map[types.BuildID]*Build, prefer types.BuildID) *Build {
	if b, ok := builds[prefer]; ok && prefer != 0 {
		return b
	}
	var best *Build
	for _, b := range builds {
		if best == nil || b.ID < best.ID {
			best = b
		}
	}
	return best
}

func sortBuilds(builds map[types.BuildID]*Build) []*Build {
	out := make([]*Build, 0, len(builds))
	for _, b := range builds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func subtract(all, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, p := range remove {
		drop[p] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, p := range all {
		if _, ok := drop[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

type countWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}
