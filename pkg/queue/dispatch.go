package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/xid"

	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/types"
)

const dispatcherIdleInterval = 60 * time.Second

// Dispatcher pairs runnable steps with idle machine slots until the
// context ends.  A pass runs on every wakeup; between passes the
// task sleeps until the earliest deferred retry or the idle
// interval, whichever is sooner.
func (s *Scheduler) Dispatcher(ctx context.Context) {
	for ctx.Err() == nil {
		start := s.now()
		earliest := s.doDispatch(ctx)
		s.metrics.DispatcherTimeSpentRunning.Add(s.now().Sub(start).Seconds())

		timeout := dispatcherIdleInterval
		if !earliest.IsZero() {
			if d := earliest.Sub(s.now()); d < timeout {
				if d <= 0 {
					continue
				}
				timeout = d
			}
		}

		waitStart := s.now()
		s.dispatcherWake.Wait(ctx, timeout)
		s.metrics.DispatcherTimeSpentWaiting.Add(s.now().Sub(waitStart).Seconds())
		s.stats.NrDispatcherWakeup.Add(1)
	}
}

// makeRunnable inserts a step into the runnable set and wakes the
// dispatcher.  The step must have no outstanding dependencies.
func (s *Scheduler) makeRunnable(st *Step) {
	now := s.now()

	st.mu.Lock()
	if len(st.deps) != 0 {
		st.mu.Unlock()
		s.l.Error("Refusing to make step with dependencies runnable", "drv", st.DrvPath)
		return
	}
	if st.runnable || st.held {
		st.mu.Unlock()
		return
	}
	st.runnable = true
	st.runnableSince = now
	if st.lastSupported.IsZero() {
		st.lastSupported = now
	}
	st.mu.Unlock()

	s.runnableMu.Lock()
	s.runnable = append(s.runnable, st)
	s.runnableMu.Unlock()

	s.dispatcherWake.Notify()
}

// removeRunnable drops a step from the runnable set if present.
func (s *Scheduler) removeRunnable(st *Step) {
	st.mu.Lock()
	st.runnable = false
	st.mu.Unlock()

	s.runnableMu.Lock()
	for i, cur := range s.runnable {
		if cur == st {
			s.runnable = append(s.runnable[:i], s.runnable[i+1:]...)
			break
		}
	}
	s.runnableMu.Unlock()
}

type candidate struct {
	step      *Step
	shareUsed float64
	global    int
	local     int
	lowest    types.BuildID
	waited    time.Duration
}

// doDispatch performs one scheduling pass and returns the wakeup
// deadline implied by deferred steps, or the zero time.
func (s *Scheduler) doDispatch(ctx context.Context) time.Time {
	start := s.now()
	defer func() {
		s.stats.DispatchTimeMs.Add(s.now().Sub(start).Milliseconds())
	}()

	s.abortUnsupported(ctx)

	now := s.now()
	var earliest time.Time

	s.runnableMu.Lock()
	snapshot := append([]*Step(nil), s.runnable...)
	s.runnableMu.Unlock()

	cands := make([]candidate, 0, len(snapshot))
	for _, st := range snapshot {
		st.mu.Lock()
		if st.held || !st.runnable {
			st.mu.Unlock()
			continue
		}
		after := st.after
		c := candidate{
			step:   st,
			global: st.highestGlobalPriority,
			local:  st.highestLocalPriority,
			lowest: st.lowestBuildID,
			waited: now.Sub(st.runnableSince),
		}
		jobsets := make([]*Jobset, 0, len(st.jobsets))
		for j := range st.jobsets {
			jobsets = append(jobsets, j)
		}
		st.mu.Unlock()

		if after.After(now) {
			if earliest.IsZero() || after.Before(earliest) {
				earliest = after
			}
			continue
		}

		c.shareUsed = 0
		if len(jobsets) > 0 {
			c.shareUsed = math.Inf(1)
			for _, j := range jobsets {
				if u := j.ShareUsed(); u < c.shareUsed {
					c.shareUsed = u
				}
			}
		}
		cands = append(cands, c)
	}

	// Fair share first, then priority, then age.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.shareUsed != b.shareUsed {
			return a.shareUsed < b.shareUsed
		}
		if a.global != b.global {
			return a.global > b.global
		}
		if a.local != b.local {
			return a.local > b.local
		}
		return a.lowest < b.lowest
	})

	// Refresh per-type pressure gauges for this pass.
	s.typesMu.Lock()
	for _, mt := range s.machineTypes {
		mt.Runnable = 0
	}
	for _, c := range cands {
		s.machineTypeLocked(c.step.SystemType).Runnable++
	}
	s.typesMu.Unlock()

	s.machinesMu.Lock()
	defer s.machinesMu.Unlock()

	// Capability lists are memoized per system type for the pass.
	supporters := make(map[string][]*machine.Machine)
	supportersFor := func(st *Step) []*machine.Machine {
		if ms, ok := supporters[st.SystemType]; ok {
			return ms
		}
		ms := make([]*machine.Machine, 0)
		for _, m := range s.machines {
			if m.Enabled && m.Supports(st.Platform, st.RequiredFeatures, st.PreferLocal) {
				ms = append(ms, m)
			}
		}
		supporters[st.SystemType] = ms
		return ms
	}

	for _, c := range cands {
		st := c.step

		capable := supportersFor(st)
		if len(capable) == 0 {
			continue
		}
		st.mu.Lock()
		st.lastSupported = now
		st.mu.Unlock()

		var best *machine.Machine
		var bestRatio float64
		for _, m := range capable {
			if m.State.CurrentJobs >= m.MaxJobs || m.State.Disabled(now) {
				continue
			}
			ratio := float64(m.State.CurrentJobs) / float64(m.MaxJobs)
			switch {
			case best == nil,
				ratio < bestRatio,
				ratio == bestRatio && m.SpeedFactor > best.SpeedFactor,
				ratio == bestRatio && m.SpeedFactor == best.SpeedFactor &&
					m.State.IdleSince.Before(best.State.IdleSince):
				best = m
				bestRatio = ratio
			}
		}
		if best == nil {
			continue
		}

		st.mu.Lock()
		if st.held || !st.runnable {
			st.mu.Unlock()
			continue
		}
		st.held = true
		st.mu.Unlock()
		s.removeRunnable(st)

		best.State.CurrentJobs++

		s.typesMu.Lock()
		mt := s.machineTypeLocked(st.SystemType)
		mt.Running++
		mt.LastActive = now
		mt.WaitTime += c.waited
		s.typesMu.Unlock()

		s.stats.NrStepsStarted.Add(1)
		res := &Reservation{ID: xid.New().String(), Step: st, Machine: best}
		s.l.Debug("Dispatching step", "reservation", res.ID, "drv", st.DrvPath, "machine", best.StoreURI)

		go s.builder(ctx, res)
	}

	return earliest
}

// machineTypeLocked returns the stats bucket for a system type; the
// caller holds typesMu.
func (s *Scheduler) machineTypeLocked(t string) *MachineTypeStats {
	mt, ok := s.machineTypes[t]
	if !ok {
		mt = &MachineTypeStats{}
		s.machineTypes[t] = mt
	}
	return mt
}

// releaseReservation returns the machine slot claimed by a builder.
func (s *Scheduler) releaseReservation(res *Reservation) {
	now := s.now()

	s.machinesMu.Lock()
	res.Machine.State.CurrentJobs--
	if res.Machine.State.CurrentJobs == 0 {
		res.Machine.State.IdleSince = now
	}
	s.machinesMu.Unlock()

	s.typesMu.Lock()
	if mt, ok := s.machineTypes[res.Step.SystemType]; ok && mt.Running > 0 {
		mt.Running--
	}
	s.typesMu.Unlock()
}

// abortUnsupported fails runnable steps whose system type no live
// machine has been able to serve for longer than the configured
// bound.  A zero bound disables the rule.
func (s *Scheduler) abortUnsupported(ctx context.Context) {
	if s.cfg.MaxUnsupportedTime <= 0 {
		return
	}
	maxAge := time.Duration(s.cfg.MaxUnsupportedTime) * time.Second
	now := s.now()

	s.runnableMu.Lock()
	snapshot := append([]*Step(nil), s.runnable...)
	s.runnableMu.Unlock()

	for _, st := range snapshot {
		st.mu.Lock()
		if st.held || !st.runnable {
			st.mu.Unlock()
			continue
		}
		last := st.lastSupported
		st.mu.Unlock()

		supported := false
		s.machinesMu.Lock()
		for _, m := range s.machines {
			if m.Enabled && m.Supports(st.Platform, st.RequiredFeatures, st.PreferLocal) {
				supported = true
				break
			}
		}
		s.machinesMu.Unlock()

		if supported {
			st.mu.Lock()
			st.lastSupported = now
			st.mu.Unlock()
			continue
		}
		if now.Sub(last) <= maxAge {
			continue
		}

		s.l.Warn("Aborting unsupported step", "drv", st.DrvPath, "systemType", st.SystemType)
		s.stats.NrUnsupportedSteps.Add(1)
		res := &types.RemoteResult{
			StepStatus: types.BuildUnsupported,
			ErrorMsg:   "unsupported system type " + st.SystemType,
			StartTime:  now.Unix(),
			StopTime:   now.Unix(),
		}
		s.removeRunnable(st)
		builds, _ := getDependents(st)
		if b := pickBuild(builds, 0); b != nil {
			if _, err := s.db.CreateBuildStep(ctx, now, b.ID, st.DrvPath, "", types.BuildUnsupported, res.ErrorMsg, 0); err != nil {
				s.l.Warn("Unable to record unsupported step", "build", b.ID, "err", err)
			}
			s.failStep(ctx, st, b.ID, res, "")
		} else {
			s.failStep(ctx, st, 0, res, "")
		}
	}
}
