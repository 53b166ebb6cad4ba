// Package scheduler keeps deferred timer callbacks keyed by timer id.
//
// The page owns the authoritative list of timers and may resend it at any
// time; Sync converges the schedule to exactly that list. A timer fires at
// most once and at most one callback is pending per id.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"offline0/internal/protocol"
)

// Task is a pending deferred callback.
type Task interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Task { return time.AfterFunc(d, f) }

// RealClock schedules on the runtime timer.
func RealClock() Clock { return realClock{} }

// FireFunc receives a timer after it has been removed from the schedule.
type FireFunc func(protocol.TimerRecord)

type scheduled struct {
	seq  uint64
	task Task
}

type Scheduler struct {
	clock  Clock
	onFire FireFunc

	mu      sync.Mutex
	timers  map[string]protocol.TimerRecord
	tasks   map[string]scheduled
	seq     uint64
	stopped bool
}

type SyncResult struct {
	Scheduled int
	Cancelled int
	Kept      int
}

func New(clock Clock, onFire FireFunc) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		clock:  clock,
		onFire: onFire,
		timers: map[string]protocol.TimerRecord{},
		tasks:  map[string]scheduled{},
	}
}

// Sync reschedules every record and cancels every known id the list omits,
// except the ids in keep, whose current schedule is left as is. The whole
// reconciliation happens under one lock.
func (s *Scheduler) Sync(records []protocol.TimerRecord, keep ...string) SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult
	if s.stopped {
		return res
	}

	live := make(map[string]struct{}, len(records))
	for _, rec := range records {
		live[rec.ID] = struct{}{}
	}
	for _, id := range keep {
		if _, ok := live[id]; !ok {
			live[id] = struct{}{}
			res.Kept++
		}
	}
	for id := range s.timers {
		if _, ok := live[id]; !ok {
			s.cancelLocked(id)
			res.Cancelled++
		}
	}
	for _, rec := range records {
		s.scheduleLocked(rec)
	}
	res.Scheduled = len(live) - res.Kept
	return res
}

// Cancel drops one timer. Unknown ids are ignored.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

// Pending returns the scheduled ids in lexical order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timers))
	for id := range s.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Get(id string) (protocol.TimerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.timers[id]
	return rec, ok
}

// Stop cancels everything and rejects further syncs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.stopped = true
}

// scheduleLocked is the only place tasks are created.
func (s *Scheduler) scheduleLocked(rec protocol.TimerRecord) {
	s.cancelLocked(rec.ID)

	s.seq++
	seq := s.seq
	delay := rec.End().Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timers[rec.ID] = rec
	s.tasks[rec.ID] = scheduled{
		seq:  seq,
		task: s.clock.AfterFunc(delay, func() { s.fire(rec.ID, seq) }),
	}
}

func (s *Scheduler) cancelLocked(id string) bool {
	t, ok := s.tasks[id]
	if ok {
		t.task.Stop()
		delete(s.tasks, id)
	}
	_, known := s.timers[id]
	delete(s.timers, id)
	return ok || known
}

func (s *Scheduler) fire(id string, seq uint64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.seq != seq {
		// cancelled or rescheduled after this callback was already running
		s.mu.Unlock()
		return
	}
	rec := s.timers[id]
	delete(s.tasks, id)
	delete(s.timers, id)
	s.mu.Unlock()

	if s.onFire != nil {
		s.onFire(rec)
	}
}
