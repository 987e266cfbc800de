// Package reactor implements the single-threaded event loop described in
// spec.md §3/§4.1: one goroutine owns all registered sockets and timers and
// is the only goroutine ever allowed to touch them directly. Everything else
// talks to it through Post/PostAtomic or through the cross-thread-safe
// resolver and atomic deferred queue.
package reactor

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/addrianyy/async-net/api"
	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/resolver"
)

// RunParams configures a single call to Tick/Run.
type RunParams struct {
	// MaxWait bounds how long a tick may block in Poll when no timer is
	// pending. Zero means block indefinitely, subject to Notify/Cancel
	// waking it early.
	MaxWait time.Duration
}

// Reactor is the reactor core: registries of live sockets, a timer set, two
// deferred-work queues, the hostname resolver, and the poller that drives
// them all. Every exported method except Post/PostAtomic/Notify/Close must
// only be called from the reactor's own goroutine.
type Reactor struct {
	log zerolog.Logger

	poller api.Poller

	listeners   registry[Entry]
	connections registry[Entry]
	udpSockets  registry[Entry]

	timers *timerSet

	deferred *deferredQueue
	atomic   *atomicQueue

	resolver *resolver.Worker

	scratch []api.PollEntry
	owners  []Entry

	closed bool
}

// New constructs a Reactor bound to the current platform's raw socket
// primitives (internal/rawsock).
func New(log zerolog.Logger) (*Reactor, error) {
	poller, err := rawsock.New()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		log:      log.With().Str("component", "reactor").Logger(),
		poller:   poller,
		timers:   newTimerSet(),
		deferred: newDeferredQueue(),
		atomic:   &atomicQueue{},
	}
	r.resolver = resolver.New(r.Notify)
	return r, nil
}

// Post schedules f to run on the reactor thread during the next tick's
// deferred-work phase. Must be called from the reactor thread itself (e.g.
// from inside a Dispatch callback that wants to defer follow-up work rather
// than reenter the registries mid-iteration).
func (r *Reactor) Post(f func()) {
	r.deferred.push(f)
}

// PostAtomic schedules f to run on the reactor thread, safe to call from any
// goroutine. The reactor will wake from a blocked Poll to run it.
func (r *Reactor) PostAtomic(f func()) {
	r.atomic.push(f)
	r.Notify()
}

// Notify wakes a blocked Poll call from any goroutine. Idempotent and cheap
// to call speculatively.
func (r *Reactor) Notify() {
	_ = r.poller.Cancel()
}

// RegisterListener adds e to the listener registry so it is polled every
// tick until UnregisterListener is called or Drain runs.
func (r *Reactor) RegisterListener(e Entry) { r.listeners.add(e) }

// UnregisterListener removes e from the listener registry. Safe to call
// from within e's own Dispatch (swap-remove never reorders the caller out
// from under itself, since Dispatch only ever touches its own slot).
func (r *Reactor) UnregisterListener(e Entry) { r.listeners.remove(e) }

// RegisterConnection adds e to the TCP connection registry.
func (r *Reactor) RegisterConnection(e Entry) { r.connections.add(e) }

// UnregisterConnection removes e from the TCP connection registry.
func (r *Reactor) UnregisterConnection(e Entry) { r.connections.remove(e) }

// RegisterUDPSocket adds e to the UDP socket registry.
func (r *Reactor) RegisterUDPSocket(e Entry) { r.udpSockets.add(e) }

// UnregisterUDPSocket removes e from the UDP socket registry.
func (r *Reactor) UnregisterUDPSocket(e Entry) { r.udpSockets.remove(e) }

// RegisterTimer schedules cb to run once deadline has passed, in
// (deadline, registration-order) order relative to other timers (spec.md
// §4.5). The returned TimerKey must be passed to UnregisterTimer to cancel.
func (r *Reactor) RegisterTimer(deadline time.Time, cb func()) TimerKey {
	return r.timers.register(deadline, cb)
}

// UnregisterTimer cancels a pending timer. Safe to call even if the timer
// already fired (a no-op in that case).
func (r *Reactor) UnregisterTimer(key TimerKey) {
	r.timers.unregister(key)
}

// ResolveHostname asynchronously resolves hostname off the reactor thread;
// cb runs on the reactor thread once resolution completes, delivered via a
// future tick's resolver-poll phase (spec.md §4.6).
func (r *Reactor) ResolveHostname(hostname string, cb func(api.Status, []netip.Addr)) {
	r.resolver.Resolve(hostname, cb)
}

// TickResult reports the outcome of one Tick call (spec.md §7): TickOK for a
// normal iteration, TickFailed if the underlying Poll call itself failed
// (distinct from an individual socket reporting EventError, which is
// delivered to that socket's own Dispatch instead). Poll failure is the only
// reason Tick reports TickFailed.
type TickResult int

const (
	TickOK TickResult = iota
	TickFailed
)

// Tick runs exactly one iteration of the reactor loop, in the order spec.md
// §5's "Ordering guarantees" and §4.1's 9-step list describe:
//  1. Run the single-thread deferred queue (work posted by the previous
//     tick's dispatch callbacks).
//  2. Fire every timer whose deadline has already passed.
//  3. Compute the poll timeout from params.MaxWait and the earliest pending
//     timer deadline, whichever is sooner.
//  4. Rebuild the poll scratch from the three registries.
//  5. Call Poll, blocking up to the computed timeout or until Notify/Cancel
//     wakes it. A poll-level failure short-circuits the remaining steps and
//     is reported back to the caller as TickFailed.
//  6. Dispatch readiness to every entry that was signaled.
//  7. Drain completed hostname-resolution callbacks (resolver completions).
//  8. Run the atomic (cross-thread) deferred queue. This runs after the
//     resolver and poll-dispatch steps so that a PostAtomic call racing with
//     an in-flight Poll (the cross-thread wakeup scenario, spec.md §8 #6)
//     is guaranteed to be drained in the same tick its Notify interrupted,
//     not deferred to a second Tick the caller may never make.
//  9. Re-run the single-thread deferred queue, so that work posted by step
//     8's atomic callbacks (or by steps 6/7's dispatch/resolver callbacks)
//     runs in the same tick rather than waiting a full cycle.
//
// Registering/unregistering entries or timers from within a callback run
// during steps 1, 2, 6, 7, 8, or 9 is safe: the reactor does not hold any
// iterator over a registry while invoking user code outside of the single
// dispatch loop in step 6, and that loop walks the poll scratch and its
// parallel owners slice built in step 4, not the registries, so a
// swap-remove during dispatch does not disturb it. An entry unregistered
// during step 6 is still dispatched later in the same loop if it was
// signaled.
func (r *Reactor) Tick(params RunParams) (TickResult, api.Status) {
	r.deferred.drainOnce()

	r.timers.fireDue(time.Now())

	timeout := r.computeTimeout(params.MaxWait)
	r.rebuildScratch()

	if len(r.scratch) > 0 || timeout != 0 {
		if _, status := r.poller.Poll(r.scratch, timeout); !status.OK() {
			return TickFailed, status
		}
	}

	r.dispatchReady()

	r.resolver.Poll()
	r.atomic.drainOnce()
	r.deferred.drainOnce()

	return TickOK, api.Status{}
}

func (r *Reactor) computeTimeout(maxWait time.Duration) int {
	timeout := -1
	if maxWait > 0 {
		timeout = int(maxWait.Milliseconds())
	}
	if deadline, ok := r.timers.earliestDeadline(); ok {
		until := time.Until(deadline)
		if until < 0 {
			until = 0
		}
		untilMs := int(until.Milliseconds())
		if timeout < 0 || untilMs < timeout {
			timeout = untilMs
		}
	}
	return timeout
}

func (r *Reactor) rebuildScratch() {
	r.scratch = r.scratch[:0]
	r.owners = r.owners[:0]
	for _, reg := range [...]*registry[Entry]{&r.listeners, &r.connections, &r.udpSockets} {
		for _, e := range reg.items {
			sock, query := e.PollSocket()
			if sock == nil || query == 0 {
				continue
			}
			r.scratch = append(r.scratch, api.PollEntry{Socket: sock, Query: query})
			r.owners = append(r.owners, e)
		}
	}
}

func (r *Reactor) dispatchReady() {
	for i, pe := range r.scratch {
		if pe.Ready == 0 {
			continue
		}
		r.owners[i].Dispatch(pe.Ready)
	}
}

// HasPendingWork reports whether the reactor has anything left to do: live
// registrations, pending timers, in-flight resolution, or queued deferred
// work. Used by RunUntilNoWork and by embedders that want a "quiesced" check
// before shutting down.
func (r *Reactor) HasPendingWork() bool {
	return r.listeners.len() > 0 ||
		r.connections.len() > 0 ||
		r.udpSockets.len() > 0 ||
		r.timers.len() > 0 ||
		!r.resolver.Empty() ||
		!r.deferred.empty() ||
		!r.atomic.empty()
}

// RunUntilNoWork ticks the reactor, without blocking indefinitely on Poll,
// until HasPendingWork reports false or a tick fails. Intended for tests and
// short-lived tools rather than long-running servers, which should instead
// drive Tick from their own loop with a real MaxWait. Returns the status of
// the failing Poll, or a zero (OK) Status if it stopped because work ran out.
func (r *Reactor) RunUntilNoWork() api.Status {
	for r.HasPendingWork() {
		if result, status := r.Tick(RunParams{MaxWait: 10 * time.Millisecond}); result == TickFailed {
			return status
		}
	}
	return api.Status{}
}

// Drain discards all pending work without running any of it: deferred
// closures, buffered resolver responses, and pending timers are dropped,
// and every registered entry is forced into its shutdown state via
// MarkShutdown rather than its normal Dispatch path (spec.md §4.1 "drain").
// Used when tearing the reactor down without wanting in-flight callbacks to
// observe a half-closed world.
func (r *Reactor) Drain() {
	r.deferred.drainDiscard()
	r.atomic.drainDiscard()
	r.timers.drain()
	r.resolver.Drain()
	r.listeners.drain()
	r.connections.drain()
	r.udpSockets.drain()
}

// Close drains the reactor and releases the poller and resolver worker. Not
// safe to call concurrently with Tick.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.Drain()
	r.resolver.Close()
	return r.poller.Close()
}
