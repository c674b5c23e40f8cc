package app

import (
	"time"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/internal/domain/leaderboard"
	"github.com/okian/proxynas/internal/domain/training"
)

// Progress is a point-in-time view of the running (or last) search.
type Progress struct {
	RunID       string
	Running     bool
	Sampled     int
	Processed   int
	Abandoned   int
	Current     arch.ID
	TimeAllowed time.Duration
	BestTrain   leaderboard.Entry
	BestTest    leaderboard.Entry
	BestOverall leaderboard.Entry
	StartedAt   time.Time
}

// Progress returns a copy of the current snapshot.
func (s *Searcher) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// GetStats renders the snapshot for the status API. Unset scores are null
// and an unbounded budget is reported as a string.
func (s *Searcher) GetStats() map[string]any {
	p := s.Progress()
	budget := any("unbounded")
	if p.TimeAllowed != training.Unlimited {
		budget = p.TimeAllowed.Seconds()
	}
	return map[string]any{
		"run_id":            p.RunID,
		"running":           p.Running,
		"sampled":           p.Sampled,
		"processed":         p.Processed,
		"abandoned":         p.Abandoned,
		"current_arch":      archOrNil(p.Current),
		"time_allowed_secs": budget,
		"best_train":        entryOrNil(p.BestTrain),
		"best_test":         entryOrNil(p.BestTest),
		"best_test_overall": entryOrNil(p.BestOverall),
		"started_at":        p.StartedAt,
	}
}

func archOrNil(id arch.ID) any {
	if id.IsSentinel() {
		return nil
	}
	return int(id)
}

func entryOrNil(e leaderboard.Entry) any {
	if e.IsSentinel() {
		return nil
	}
	return e
}

func (s *Searcher) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Searcher) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.progress.Running = false
	s.progress.Current = arch.Sentinel
}

func idleProgress() Progress {
	return Progress{
		Current:     arch.Sentinel,
		TimeAllowed: training.Unlimited,
		BestTrain:   leaderboard.SentinelEntry(),
		BestTest:    leaderboard.SentinelEntry(),
		BestOverall: leaderboard.SentinelEntry(),
	}
}

func (s *Searcher) resetProgress(runID string, sampled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = idleProgress()
	s.progress.RunID = runID
	s.progress.Running = true
	s.progress.Sampled = sampled
	s.progress.StartedAt = time.Now()
}

func (s *Searcher) setCurrent(id arch.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Current = id
}

func (s *Searcher) updateProgress(r *run, timeAllowed time.Duration, abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if abandoned {
		s.progress.Abandoned++
	} else {
		s.progress.Processed++
	}
	s.progress.TimeAllowed = timeAllowed
	s.progress.BestTrain = r.best.Trains.Best()
	s.progress.BestTest = r.best.Tests.Best()
	s.progress.BestOverall = r.overall
}
