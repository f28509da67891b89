package coap

import (
	"sync"
	"time"
)

// TimerScheduler is a reference Scheduler backed by time.AfterFunc. It
// runs callbacks on their own goroutine, same as the standard library
// timer does — a Context using it must still serialize access the way
// spec.md §5 requires, typically by having the callback itself only
// enqueue work for the owning goroutine to pick up.
type TimerScheduler struct {
	mu    sync.Mutex
	jobs  map[JobHandle]*time.Timer
	nextH JobHandle
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{jobs: make(map[JobHandle]*time.Timer)}
}

func (s *TimerScheduler) Schedule(deadline time.Duration, callback func()) JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextH++
	h := s.nextH
	s.jobs[h] = time.AfterFunc(deadline, func() {
		s.mu.Lock()
		delete(s.jobs, h)
		s.mu.Unlock()
		callback()
	})
	return h
}

func (s *TimerScheduler) Cancel(handle JobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.jobs[handle]; ok {
		t.Stop()
		delete(s.jobs, handle)
	}
}

// TimeToNext and RunOnce exist to satisfy Scheduler for callers driving
// a single-threaded event loop instead of goroutines; TimerScheduler
// itself doesn't need either since time.AfterFunc already dispatches on
// its own goroutine.
func (s *TimerScheduler) TimeToNext() time.Duration { return 0 }
func (s *TimerScheduler) RunOnce()                  {}
