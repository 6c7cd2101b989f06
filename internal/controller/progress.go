package controller

import (
	"sync"

	"github.com/loadgentool/loadgen/internal/driver"
)

// Progress is a snapshot of a run's batch progress.
type Progress struct {
	BatchesCompleted int
	TotalBatches     int
}

// Fraction returns the completed share of the run in [0, 1], or 0 before the run is configured.
func (p Progress) Fraction() float64 {
	if p.TotalBatches == 0 {
		return 0
	}
	return float64(p.BatchesCompleted) / float64(p.TotalBatches)
}

// ProgressState tracks the current run's progress and publishes every change to subscribers.
// BatchesCompleted never exceeds TotalBatches.
type ProgressState struct {
	mu          sync.Mutex
	progress    Progress
	subscribers map[int]chan Progress
	nextId      int
}

func NewProgressState() *ProgressState {
	return &ProgressState{subscribers: map[int]chan Progress{}}
}

// Configure starts a run of totalJobs jobs split into steps of stepSize, with no batches completed.
func (s *ProgressState) Configure(totalJobs, stepSize int) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = Progress{TotalBatches: driver.TotalBatches(totalJobs, stepSize)}
	s.publish()
	return s.progress
}

// Increment records one completed batch. It reports false, changing nothing, once every batch is complete.
func (s *ProgressState) Increment() (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress.BatchesCompleted >= s.progress.TotalBatches {
		return s.progress, false
	}
	s.progress.BatchesCompleted++
	s.publish()
	return s.progress, true
}

func (s *ProgressState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = Progress{}
	s.publish()
}

func (s *ProgressState) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Subscribe returns a channel that always holds the most recent progress not yet received. Slow subscribers
// miss intermediate values, never the latest one. The returned func unsubscribes and closes the channel.
func (s *ProgressState) Subscribe() (<-chan Progress, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextId
	s.nextId++
	ch := make(chan Progress, 1)
	ch <- s.progress
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

// publish must be called with mu held.
func (s *ProgressState) publish() {
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s.progress
	}
}
