// Package clock converts a server-issued start time plus a local wall clock
// into elapsed-duration values that are immune to client clock skew. It has
// no dependencies on the rest of the service.
package clock

import "time"

// Elapsed returns the active practice time for a session: wall time since
// start, minus completed pause intervals, minus the in-progress pause if the
// session is currently paused. Never negative.
func Elapsed(startedAt time.Time, totalPaused time.Duration, pausedAt *time.Time, now time.Time) time.Duration {
	active := now.Sub(startedAt) - totalPaused
	if pausedAt != nil {
		active -= now.Sub(*pausedAt)
	}
	if active < 0 {
		return 0
	}
	return active
}

// Reconciler anchors a local clock to server time. Clients construct one
// from the server_time field on any session payload; after that, local
// reads can be translated without trusting the local wall clock.
type Reconciler struct {
	offset time.Duration
}

// NewReconciler computes the skew between the server's clock and the local
// one, given a server timestamp and the local time at which it was observed.
func NewReconciler(serverTime, localNow time.Time) *Reconciler {
	return &Reconciler{offset: serverTime.Sub(localNow)}
}

// Now translates a local timestamp into server time.
func (r *Reconciler) Now(local time.Time) time.Time {
	return local.Add(r.offset)
}

// Elapsed is Elapsed computed against reconciled server time, so a stale
// tab regaining focus shows the true elapsed duration rather than a frozen
// or fast-forwarded one.
func (r *Reconciler) Elapsed(startedAt time.Time, totalPaused time.Duration, pausedAt *time.Time, local time.Time) time.Duration {
	return Elapsed(startedAt, totalPaused, pausedAt, r.Now(local))
}

// SinceLastSeen reports how long ago a session was last known live, in
// reconciled server time. Used by the recovery flow for its summary.
func (r *Reconciler) SinceLastSeen(lastActivityAt time.Time, local time.Time) time.Duration {
	d := r.Now(local).Sub(lastActivityAt)
	if d < 0 {
		return 0
	}
	return d
}
