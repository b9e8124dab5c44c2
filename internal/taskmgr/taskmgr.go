// Package taskmgr implements the timer wheel of scheduled tasks: a task
// whose Run returns a nonzero time is rescheduled at that time, otherwise
// it is dropped. See spec.md §4.I.
//
// Grounded directly on backend/seafile/renew.go's ticker + done-channel +
// sync.Once shutdown idiom; spec.md §9 points at this same shape ("see
// XrdClCurlOptionsCache for the pattern"), and renew.go is the closest
// real analog available.
package taskmgr

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of scheduled work. Run is called with the current time
// and returns the next time it should run, or the zero Time to be
// dropped.
type Task interface {
	Run(now time.Time) time.Time
}

type scheduled struct {
	task  Task
	when  time.Time
	index int // heap index, maintained by container/heap
}

type taskHeap []*scheduled

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	s := x.(*scheduled)
	s.index = len(*h)
	*h = append(*h, s)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// Manager runs a single goroutine that drains due tasks roughly once a
// second (spec.md §4.I "resolution ≈ 1 s").
type Manager struct {
	mu    sync.Mutex
	h     taskHeap
	index map[Task]*scheduled

	resolution time.Duration
	wake       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	shutdown   sync.Once

	// now lets tests drive the clock deterministically instead of racing
	// real wall-clock ticks.
	now func() time.Time
}

// New creates a Manager using the default 1-second tick resolution and
// the real wall clock, then starts its background loop.
func New() *Manager {
	m := newManager(time.Second, time.Now)
	m.wg.Add(1)
	go m.loop()
	return m
}

// newManagerForTest builds a Manager that never starts its own loop,
// letting a test call Tick explicitly instead of racing a timer.
func newManagerForTest(now func() time.Time) *Manager {
	return newManager(time.Millisecond, now)
}

func newManager(resolution time.Duration, now func() time.Time) *Manager {
	return &Manager{
		index:      make(map[Task]*scheduled),
		resolution: resolution,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        now,
	}
}

// RegisterTask schedules task to run at when.
func (m *Manager) RegisterTask(task Task, when time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.index[task]; ok {
		existing.when = when
		heap.Fix(&m.h, existing.index)
		return
	}
	s := &scheduled{task: task, when: when}
	heap.Push(&m.h, s)
	m.index[task] = s
	m.poke()
}

// UnregisterTask removes task if scheduled. Matches the original's
// "deferred delete" semantics: if the task is concurrently being run by
// the loop, this simply prevents its next reschedule rather than
// interrupting the in-flight Run call.
func (m *Manager) UnregisterTask(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.index[task]
	if !ok {
		return
	}
	heap.Remove(&m.h, s.index)
	delete(m.index, task)
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick(m.now())
		case <-m.wake:
			m.Tick(m.now())
		case <-m.done:
			return
		}
	}
}

// Tick drains every task due at or before now, reinserting those whose
// Run returns a nonzero next time.
func (m *Manager) Tick(now time.Time) {
	for {
		m.mu.Lock()
		if len(m.h) == 0 || m.h[0].when.After(now) {
			m.mu.Unlock()
			return
		}
		s := heap.Pop(&m.h).(*scheduled)
		delete(m.index, s.task)
		m.mu.Unlock()

		next := s.task.Run(now)
		if !next.IsZero() {
			m.RegisterTask(s.task, next)
		}
	}
}

// Len reports the number of currently scheduled tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// Stop signals the loop goroutine to exit and joins it. Idempotent.
func (m *Manager) Stop() {
	m.shutdown.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}
