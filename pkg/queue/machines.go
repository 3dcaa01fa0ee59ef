package queue

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/the-maldridge/qrunner/pkg/machine"
)

// LoadMachines parses a machine list and installs it, preserving the
// mutable state of machines that survive the reload.  Machines that
// disappeared stay registered but disabled until their running jobs
// drain.
func (s *Scheduler) LoadMachines(r io.Reader) error {
	parsed, err := machine.Parse(r)
	if err != nil {
		return err
	}

	s.machinesMu.Lock()
	next := make(map[string]*machine.Machine, len(parsed))
	for _, m := range parsed {
		if old, ok := s.machines[m.StoreURI]; ok {
			m.State = old.State
		}
		next[m.StoreURI] = m
	}
	for uri, old := range s.machines {
		if _, ok := next[uri]; !ok && old.State.CurrentJobs > 0 {
			old.Enabled = false
			next[uri] = old
		}
	}
	s.machines = next
	count := len(next)
	s.machinesMu.Unlock()

	s.l.Info("Machine list loaded", "machines", count)
	s.dispatcherWake.Notify()
	return nil
}

// MachineReloader reloads the machines file on an interval until the
// context ends.
func (s *Scheduler) MachineReloader(ctx context.Context) {
	load := func() {
		f, err := os.Open(s.cfg.MachinesFile)
		if err != nil {
			s.l.Warn("Unable to open machines file", "path", s.cfg.MachinesFile, "err", err)
			return
		}
		defer f.Close()
		if err := s.LoadMachines(f); err != nil {
			s.l.Warn("Unable to parse machines file", "path", s.cfg.MachinesFile, "err", err)
		}
	}

	load()

	interval := time.Duration(s.cfg.MachinesReloadInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			load()
		case <-ctx.Done():
			return
		}
	}
}
