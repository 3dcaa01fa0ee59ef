package machine

import (
	"time"
)

// Supports reports whether this machine can execute a step with the
// given effective platform and feature demands.  Mirrors the
// scheduler's capability matching rules:
//
//   - the platform must be one of the machine's system types;
//   - every mandatory feature of the machine must be required by the
//     step, except that the sentinel feature "local" is satisfied by
//     a step preferring local builds;
//   - every feature the step requires must be supported.
func (m *Machine) Supports(platform string, required map[string]struct{}, preferLocal bool) bool {
	found := false
	for _, st := range m.SystemTypes {
		if st == platform {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	for f := range m.MandatoryFeatures {
		if _, ok := required[f]; !ok && !(f == "local" && preferLocal) {
			return false
		}
	}

	for f := range required {
		if _, ok := m.SupportedFeatures[f]; !ok {
			return false
		}
	}

	return true
}

// Disabled reports whether the machine is currently in failure
// backoff.
func (s *State) Disabled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.connect.DisabledUntil)
}

// Fail records a transport-level failure and extends the backoff
// window exponentially, capped at maxCooldown.
func (s *State) Fail(now time.Time, baseCooldown, maxCooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connect.LastFailure = now
	shift := s.connect.ConsecutiveFailures
	if shift > 16 {
		shift = 16
	}
	delay := baseCooldown << uint(shift)
	if delay > maxCooldown || delay < 0 {
		delay = maxCooldown
	}
	s.connect.DisabledUntil = now.Add(delay)
	s.connect.ConsecutiveFailures++
}

// Succeed clears the failure backoff.
func (s *State) Succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connect.ConsecutiveFailures = 0
	s.connect.DisabledUntil = time.Time{}
}

// Connect returns a snapshot of the health information.
func (s *State) Connect() ConnectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect
}

// TryLockSend attempts to take the per-machine upload lock, waiting
// at most d.  Returns false if the lock could not be had in time.
func (s *State) TryLockSend(d time.Duration) bool {
	select {
	case s.sendLock <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case s.sendLock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// UnlockSend releases the upload lock.
func (s *State) UnlockSend() {
	select {
	case <-s.sendLock:
	default:
		panic("machine: UnlockSend of unlocked send lock")
	}
}
