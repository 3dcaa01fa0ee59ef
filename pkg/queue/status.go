package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// MachineStatus is the status-dump view of one machine.
type MachineStatus struct {
	URI                 string
	Enabled             bool
	SystemTypes         []string
	CurrentJobs         int
	MaxJobs             int
	SpeedFactor         float64
	NrStepsDone         uint64
	TotalStepTime       int64
	TotalStepBuildTime  int64
	IdleSince           time.Time
	DisabledUntil       time.Time
	ConsecutiveFailures int
}

// JobsetStatus is the status-dump view of one fair-share account.
type JobsetStatus struct {
	Project   string
	Name      string
	Shares    int
	Seconds   int64
	ShareUsed float64
}

// MachineTypeStatus is the status-dump view of per-system-type
// scheduling pressure.
type MachineTypeStatus struct {
	Runnable    int
	Running     int
	LastActive  time.Time
	WaitTimeSec float64
}

// Status is the full in-memory state summary.
type Status struct {
	Time   time.Time
	Uptime float64

	NrQueuedBuilds     int
	NrActiveSteps      int
	NrStepsInQueue     int
	NrRunnableSteps    int
	NrBuildsRead       uint64
	NrBuildsDone       uint64
	NrStepsStarted     uint64
	NrStepsDone        uint64
	NrStepsBuilding    int64
	NrStepsCopyingTo   int64
	NrStepsCopyingFrom int64
	NrStepsWaiting     int64
	NrUnsupportedSteps uint64
	NrRetries          uint64
	MaxNrRetries       uint64
	TotalStepTime      int64
	TotalStepBuildTime int64
	NrQueueWakeups     uint64
	NrDispatcherWakeup uint64
	DispatchTimeMs     int64
	BytesSent          uint64
	BytesReceived      uint64

	Machines     []MachineStatus
	Jobsets      []JobsetStatus
	MachineTypes map[string]MachineTypeStatus
}

// Status assembles a point-in-time summary of the scheduler.
func (s *Scheduler) Status() *Status {
	now := s.now()
	out := &Status{
		Time:               now,
		Uptime:             now.Sub(s.startedAt).Seconds(),
		NrBuildsRead:       s.stats.NrBuildsRead.Load(),
		NrBuildsDone:       s.stats.NrBuildsDone.Load(),
		NrStepsStarted:     s.stats.NrStepsStarted.Load(),
		NrStepsDone:        s.stats.NrStepsDone.Load(),
		NrStepsBuilding:    s.stats.NrStepsBuilding.Load(),
		NrStepsCopyingTo:   s.stats.NrStepsCopyingTo.Load(),
		NrStepsCopyingFrom: s.stats.NrStepsCopyingFrom.Load(),
		NrStepsWaiting:     s.stats.NrStepsWaiting.Load(),
		NrUnsupportedSteps: s.stats.NrUnsupportedSteps.Load(),
		NrRetries:          s.stats.NrRetries.Load(),
		MaxNrRetries:       s.stats.MaxNrRetries.Load(),
		TotalStepTime:      s.stats.TotalStepTime.Load(),
		TotalStepBuildTime: s.stats.TotalStepBuildTime.Load(),
		NrQueueWakeups:     s.stats.NrQueueWakeups.Load(),
		NrDispatcherWakeup: s.stats.NrDispatcherWakeup.Load(),
		DispatchTimeMs:     s.stats.DispatchTimeMs.Load(),
		BytesSent:          s.stats.BytesSent.Load(),
		BytesReceived:      s.stats.BytesReceived.Load(),
		MachineTypes:       make(map[string]MachineTypeStatus),
	}

	s.buildsMu.Lock()
	out.NrQueuedBuilds = len(s.builds)
	s.buildsMu.Unlock()

	s.stepsMu.Lock()
	out.NrStepsInQueue = len(s.steps)
	s.stepsMu.Unlock()

	s.runnableMu.Lock()
	out.NrRunnableSteps = len(s.runnable)
	s.runnableMu.Unlock()

	s.activeMu.Lock()
	out.NrActiveSteps = len(s.active)
	s.activeMu.Unlock()

	s.machinesMu.Lock()
	for _, m := range s.machines {
		ci := m.State.Connect()
		out.Machines = append(out.Machines, MachineStatus{
			URI:                 m.StoreURI,
			Enabled:             m.Enabled,
			SystemTypes:         m.SystemTypes,
			CurrentJobs:         m.State.CurrentJobs,
			MaxJobs:             m.MaxJobs,
			SpeedFactor:         m.SpeedFactor,
			NrStepsDone:         m.State.NrStepsDone,
			TotalStepTime:       m.State.TotalStepTime,
			TotalStepBuildTime:  m.State.TotalStepBuildTime,
			IdleSince:           m.State.IdleSince,
			DisabledUntil:       ci.DisabledUntil,
			ConsecutiveFailures: ci.ConsecutiveFailures,
		})
	}
	s.machinesMu.Unlock()
	sort.Slice(out.Machines, func(i, j int) bool { return out.Machines[i].URI < out.Machines[j].URI })

	s.jobsetsMu.Lock()
	for _, j := range s.jobsets {
		out.Jobsets = append(out.Jobsets, JobsetStatus{
			Project:   j.project,
			Name:      j.name,
			Shares:    j.Shares(),
			Seconds:   j.Seconds(),
			ShareUsed: j.ShareUsed(),
		})
	}
	s.jobsetsMu.Unlock()
	sort.Slice(out.Jobsets, func(i, j int) bool {
		return out.Jobsets[i].Project+":"+out.Jobsets[i].Name < out.Jobsets[j].Project+":"+out.Jobsets[j].Name
	})

	s.typesMu.Lock()
	for t, mt := range s.machineTypes {
		out.MachineTypes[t] = MachineTypeStatus{
			Runnable:    mt.Runnable,
			Running:     mt.Running,
			LastActive:  mt.LastActive,
			WaitTimeSec: mt.WaitTime.Seconds(),
		}
	}
	s.typesMu.Unlock()

	return out
}

// dumpStatus persists the status summary for retrieval by the
// --status flag.
func (s *Scheduler) dumpStatus(ctx context.Context) error {
	data, err := json.Marshal(s.Status())
	if err != nil {
		return err
	}
	if err := s.db.UpsertStatus(ctx, string(data)); err != nil {
		return err
	}
	s.l.Info("Status dumped", "bytes", len(data))
	return nil
}
