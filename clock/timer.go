package clock

import (
	"sort"
	"sync"
)

// TimerID identifies a timer registered with a Wheel. It is stable across
// the timer's activate/fire/deactivate lifecycle.
type TimerID uint64

// Callback is invoked when a timer's due time has been reached or passed.
// now is the virtual time the wheel observed at fire time (>= the timer's
// due time). Per the ordering guarantees in the device subsystem, a
// callback must not perform port I/O; it may only mutate the owning
// device's own state and re-arm its own timers.
type Callback func(now uint64)

// Timer is a named one-shot or periodic callback keyed on virtual time.
// Lifecycle: registered at device install, activated with an absolute due
// time and optional period, fired when now >= due, deactivated either
// explicitly or automatically after a one-shot fire.
type Timer struct {
	id       TimerID
	name     string
	dueNS    uint64
	periodNS uint64 // 0 means one-shot
	active   bool
	seq      uint64 // registration order, for FIFO tie-break
	callback Callback
}

// ID returns the timer's stable identifier.
func (t *Timer) ID() TimerID { return t.id }

// Name returns the timer's debug name.
func (t *Timer) Name() string { return t.name }

// Active reports whether the timer is currently armed.
func (t *Timer) Active() bool { return t.active }

// Due returns the timer's absolute due time in nanoseconds.
func (t *Timer) Due() uint64 { return t.dueNS }

// Wheel is a cooperative timer wheel: devices register named callbacks at
// install time, activate them with an absolute eta, and the wheel fires
// them in virtual-time order when polled. There is no preemption and no
// background goroutine driving this structure; the Machine run loop (or a
// test) calls Poll after every clock advance.
type Wheel struct {
	mu      sync.Mutex
	clock   *VirtualClock
	timers  map[TimerID]*Timer
	nextID  TimerID
	nextSeq uint64
}

// NewWheel creates a timer wheel driven by clock c.
func NewWheel(c *VirtualClock) *Wheel {
	return &Wheel{
		clock:  c,
		timers: make(map[TimerID]*Timer),
	}
}

// Register creates an inactive, named timer bound to callback cb. The
// returned ID is used for Activate/Deactivate/Remove. Devices typically
// register all their timers once at construction time.
func (w *Wheel) Register(name string, cb Callback) TimerID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	w.nextSeq++
	id := w.nextID
	w.timers[id] = &Timer{
		id:       id,
		name:     name,
		callback: cb,
		seq:      w.nextSeq,
	}
	return id
}

// Activate arms timer id to fire at absolute time dueNS. periodNS == 0
// means one-shot: the timer deactivates itself immediately after firing.
// A non-zero periodNS rearms the timer to dueNS+periodNS on every fire
// until Deactivate is called. Activating an already-active timer
// supersedes its previous due time (used for seek-timer preemption, §5).
func (w *Wheel) Activate(id TimerID, dueNS uint64, periodNS uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[id]
	if !ok {
		return
	}
	t.dueNS = dueNS
	t.periodNS = periodNS
	t.active = true
}

// ActivateAfter is a convenience wrapper that arms a timer deltaNS from the
// clock's current time.
func (w *Wheel) ActivateAfter(id TimerID, deltaNS uint64, periodNS uint64) {
	w.Activate(id, w.clock.Now()+deltaNS, periodNS)
}

// Deactivate disarms a timer without removing its registration. Used by
// resets and DSP high-speed-mode exits to tear down in-flight timers (§5).
func (w *Wheel) Deactivate(id TimerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.active = false
	}
}

// Remove forgets a timer entirely. Called on device uninstall.
func (w *Wheel) Remove(id TimerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.timers, id)
}

// NextDue returns the earliest due time among active timers and whether
// any timer is armed at all. Used by a run loop to decide how far it can
// safely advance the clock before it must stop and let a device react.
func (w *Wheel) NextDue() (dueNS uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	first := true
	for _, t := range w.timers {
		if !t.active {
			continue
		}
		if first || t.dueNS < dueNS {
			dueNS = t.dueNS
			first = false
		}
	}
	return dueNS, !first
}

// Poll fires every active timer whose due time has been reached by now, in
// ascending (due time, registration order) order — FIFO among timers due
// on the same tick, per the wheel's ordering guarantee. Periodic timers
// are rearmed to their next period; one-shot timers are deactivated before
// their callback runs (a callback may immediately reactivate itself).
func (w *Wheel) Poll(now uint64) {
	w.mu.Lock()
	var due []*Timer
	for _, t := range w.timers {
		if t.active && now >= t.dueNS {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].dueNS != due[j].dueNS {
			return due[i].dueNS < due[j].dueNS
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		if t.periodNS > 0 {
			t.dueNS += t.periodNS
		} else {
			t.active = false
		}
	}
	w.mu.Unlock()

	for _, t := range due {
		t.callback(now)
	}
}
