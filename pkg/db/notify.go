package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/the-maldridge/qrunner/pkg/types"
)

// A Notification is one LISTEN/NOTIFY event from the database.
type Notification struct {
	Channel string
	Payload string
}

// Listener drains notifications from a set of channels.
type Listener struct {
	pql *pq.Listener
	ch  chan Notification
}

// Listen subscribes to the named channels.  Notifications arrive on
// C until Close is called; reconnects are handled underneath and
// surface as a synthetic wakeup so the monitor re-polls.
func (d *DB) Listen(channels ...string) (*Listener, error) {
	l := &Listener{ch: make(chan Notification, 64)}
	l.pql = pq.NewListener(d.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventReconnected {
			// A gap may hide notifications; force a poll.
			select {
			case l.ch <- Notification{Channel: "builds_added"}:
			default:
			}
		}
	})
	for _, c := range channels {
		if err := l.pql.Listen(c); err != nil {
			l.pql.Close()
			return nil, err
		}
	}
	go func() {
		for n := range l.pql.Notify {
			if n == nil {
				continue
			}
			l.ch <- Notification{Channel: n.Channel, Payload: n.Extra}
		}
		close(l.ch)
	}()
	return l, nil
}

// C is the notification stream.
func (l *Listener) C() <-chan Notification {
	return l.ch
}

// Close unsubscribes and stops the stream.
func (l *Listener) Close() error {
	return l.pql.Close()
}

// Notify emits a notification on the given channel.
func (d *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := d.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// NotifyBuildStarted announces that a build's first step has been
// dispatched.
func (d *DB) NotifyBuildStarted(ctx context.Context, id types.BuildID) error {
	return d.Notify(ctx, "build_started", strconv.FormatUint(uint64(id), 10))
}

// NotifyBuildFinished announces a terminal build along with any
// dependent builds finished with it, so downstream consumers can
// cascade.
func (d *DB) NotifyBuildFinished(ctx context.Context, id types.BuildID, dependents []types.BuildID) error {
	parts := make([]string, 0, len(dependents)+1)
	parts = append(parts, strconv.FormatUint(uint64(id), 10))
	for _, dep := range dependents {
		parts = append(parts, strconv.FormatUint(uint64(dep), 10))
	}
	return d.Notify(ctx, "build_finished", strings.Join(parts, "\t"))
}

// NotifyStepFinished announces a finished step and where its log
// ended up.
func (d *DB) NotifyStepFinished(ctx context.Context, id types.BuildID, stepNr int, logFile string) error {
	payload := fmt.Sprintf("%d\t%d\t%s", uint64(id), stepNr, logFile)
	return d.Notify(ctx, "step_finished", payload)
}

// UpsertStatus stores the latest status dump for retrieval by the
// --status flag.
func (d *DB) UpsertStatus(ctx context.Context, status string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO SystemStatus (what, status) VALUES ('queue-runner', $1)
		ON CONFLICT (what) DO UPDATE SET status = EXCLUDED.status
	`, status)
	return err
}

// GetStatus fetches the most recent status dump.
func (d *DB) GetStatus(ctx context.Context) (string, error) {
	var status string
	err := d.db.QueryRowContext(ctx,
		`SELECT status FROM SystemStatus WHERE what = 'queue-runner'`).Scan(&status)
	return status, err
}
