package queue

// ErrNotConfigured is returned by New when a required collaborator
// was not supplied.
type ErrNotConfigured struct {
	what string
}

func (e ErrNotConfigured) Error() string {
	return "scheduler requires a " + e.what
}

// ErrSendLockTimeout is returned when a machine's upload lock could
// not be had within the bounded wait; the step is requeued without
// burning a retry.
type ErrSendLockTimeout struct{}

func (e ErrSendLockTimeout) Error() string {
	return "timed out waiting for machine send lock"
}
