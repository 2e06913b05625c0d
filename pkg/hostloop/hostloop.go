// Package hostloop provides the host's recurring timer primitive.
package hostloop

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs recurring tasks on the host loop.
type Scheduler interface {
	// Every calls task every interval until it returns false or cancel is
	// called.
	Every(interval time.Duration, task func() bool) (cancel func())
}

// TickerScheduler runs each task on a ticker. Tasks never run concurrently
// with each other: they share one lock, standing in for the host's single
// UI thread.
type TickerScheduler struct {
	lock sync.Mutex
}

func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

func (s *TickerScheduler) Every(interval time.Duration, task func() bool) func() {
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			s.lock.Lock()
			again := task()
			s.lock.Unlock()
			if !again {
				cancel()
				return
			}
		}
	}()
	return cancel
}

// ManualScheduler only runs tasks when Tick is called. Used by tests to step
// the host loop deterministically.
type ManualScheduler struct {
	lock   sync.Mutex
	nextID int
	tasks  map[int]func() bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]func() bool)}
}

func (s *ManualScheduler) Every(_ time.Duration, task func() bool) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	id := s.nextID
	s.nextID++
	s.tasks[id] = task
	return func() {
		s.lock.Lock()
		delete(s.tasks, id)
		s.lock.Unlock()
	}
}

// Tick runs every registered task once, in registration order.
func (s *ManualScheduler) Tick() {
	s.lock.Lock()
	ids := make([]int, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.lock.Unlock()
	sort.Ints(ids)

	for _, id := range ids {
		s.lock.Lock()
		task, ok := s.tasks[id]
		s.lock.Unlock()
		if !ok {
			continue
		}
		if !task() {
			s.lock.Lock()
			delete(s.tasks, id)
			s.lock.Unlock()
		}
	}
}

// Pending returns the number of registered tasks.
func (s *ManualScheduler) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.tasks)
}
