// Package sched multiplexes every periodic channel onto one heap and one
// runtime timer. It owns no goroutine: the owner selects on C() and then
// calls Expired to collect the channels that are due.
package sched

import (
	"container/heap"
	"time"

	"ads7830-go/errcode"
	"ads7830-go/x/timex"
)

// Handle identifies one periodic entry.
type Handle int

type entry struct {
	id      Handle
	channel int
	every   time.Duration
	due     time.Time
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].channel < h[j].channel
	}
	return h[i].due.Before(h[j].due)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)   { it := x.(*entry); it.index = len(*h); *h = append(*h, it) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is not safe for concurrent use.
type Scheduler struct {
	h       entryHeap
	items   map[Handle]*entry
	next    Handle
	timer   *time.Timer
	now     func() time.Time
	stopped bool
}

func New() *Scheduler {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		timex.DrainTimer(t)
	}
	return &Scheduler{
		items: map[Handle]*entry{},
		timer: t,
		now:   time.Now,
	}
}

// CreatePeriodic schedules channel to fire every interval, first after one
// full interval.
func (s *Scheduler) CreatePeriodic(channel int, interval time.Duration) (Handle, error) {
	if s.stopped {
		return 0, errcode.New(errcode.InvalidParams, "sched: create", "scheduler stopped")
	}
	if interval <= 0 {
		return 0, errcode.New(errcode.InvalidParams, "sched: create", "interval must be positive")
	}
	s.next++
	it := &entry{
		id:      s.next,
		channel: channel,
		every:   interval,
		due:     s.now().Add(interval),
		index:   -1,
	}
	s.items[it.id] = it
	heap.Push(&s.h, it)
	s.arm()
	return it.id, nil
}

// C delivers when at least one entry is due.
func (s *Scheduler) C() <-chan time.Time { return s.timer.C }

// Expired pops every due entry, re-arms it on its own period grid, and
// returns the due channels in firing order. Periods missed while the owner
// was busy collapse into a single expiry.
func (s *Scheduler) Expired() []int {
	if s.stopped {
		return nil
	}
	now := s.now()
	var out []int
	for len(s.h) > 0 && !s.h[0].due.After(now) {
		it := s.h[0]
		out = append(out, it.channel)
		for !it.due.After(now) {
			it.due = it.due.Add(it.every)
		}
		heap.Fix(&s.h, 0)
	}
	s.arm()
	return out
}

// Len returns the number of live entries.
func (s *Scheduler) Len() int { return len(s.h) }

// Next returns the earliest due time, or zero when empty.
func (s *Scheduler) Next() time.Time {
	if len(s.h) == 0 {
		return time.Time{}
	}
	return s.h[0].due
}

// Stop cancels every entry. The scheduler cannot be reused.
func (s *Scheduler) Stop() {
	s.stopped = true
	s.h = nil
	clear(s.items)
	if !s.timer.Stop() {
		timex.DrainTimer(s.timer)
	}
}

func (s *Scheduler) arm() {
	if len(s.h) == 0 {
		if !s.timer.Stop() {
			timex.DrainTimer(s.timer)
		}
		return
	}
	timex.ResetTimer(s.timer, s.h[0].due.Sub(s.now()))
}
