// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotifyChannel is the well-known Postgres LISTEN/NOTIFY channel the
// Receiver publishes to on job creation and Forwarder workers subscribe
// to. Notifications are a hint to poll sooner, never load-bearing:
// correctness does not depend on any notification being delivered.
const NotifyChannel = "forward_job_inserted"

// Notify publishes a wakeup on NotifyChannel via pg_notify, issued through
// the queue's *sqlx.DB rather than the listener connection. Catalog.Admit
// does not call it: it issues the same pg_notify itself, inside the
// transaction that creates the ForwardJobs.
func (q *Queue) Notify(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannel)
	if err != nil {
		return fmt.Errorf("notify %s: %w", NotifyChannel, err)
	}
	return nil
}

// Wakeups opens a dedicated pq.Listener connection subscribed to
// NotifyChannel and returns a channel that receives a value on every
// notification (including the nil notification pq.Listener delivers after
// re-establishing a lost connection), and on its own after 90 seconds
// without any notification. Callers should treat every receive as "poll now" —
// never as a guarantee that a new job exists. The returned stop func
// closes the listener.
func (q *Queue) Wakeups(dsn string) (wakeups <-chan struct{}, stop func(), err error) {
	ch := make(chan struct{}, 1)
	eventCallback := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			q.log.Warn("job queue listener event error", zap.Error(err))
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, eventCallback)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-listener.Notify:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				// No notification for 90 seconds; nudge pollers in case a
				// NOTIFY was missed during a reconnect window.
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch, func() {
		close(done)
		listener.Close()
	}, nil
}
