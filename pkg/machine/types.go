package machine

import (
	"sync"
	"time"
)

// A Machine is one entry of the build machine list.  The identity
// fields are immutable once parsed; everything mutable lives behind
// State, which survives machine-list reloads.
type Machine struct {
	StoreURI          string
	SystemTypes       []string
	SSHKey            string
	MaxJobs           int
	SpeedFactor       float64
	SupportedFeatures map[string]struct{}
	MandatoryFeatures map[string]struct{}
	PublicHostKey     string

	// Enabled is cleared when the machine disappears from the
	// machine list; a disabled machine accepts no new jobs and is
	// dropped at the first machine-list reload that finds it with no
	// running jobs.
	Enabled bool

	State *State
}

// ConnectInfo tracks transport-level health for one machine.
type ConnectInfo struct {
	LastFailure         time.Time
	DisabledUntil       time.Time
	ConsecutiveFailures int
}

// State is the mutable portion of a Machine.
type State struct {
	mu sync.Mutex

	// CurrentJobs is read and written under the scheduler's
	// machines lock, which is what makes reservations atomic.
	CurrentJobs int

	NrStepsDone        uint64
	TotalStepTime      int64 // seconds, includes closure copying
	TotalStepBuildTime int64 // seconds

	IdleSince time.Time

	connect ConnectInfo

	// sendLock serializes closure uploads to this machine.  It is
	// a timed exclusive lock: a builder that cannot acquire it
	// promptly requeues its step rather than pile up.
	sendLock chan struct{}
}

// NewState returns a machine state with the send lock free.
func NewState() *State {
	return &State{
		IdleSince: time.Now(),
		sendLock:  make(chan struct{}, 1),
	}
}
