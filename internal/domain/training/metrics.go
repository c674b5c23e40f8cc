package training

import (
	"math"
	"time"
)

// EpochMetrics is the record of one epoch.
type EpochMetrics struct {
	Index     int           `json:"index"`
	TrainTop1 float64       `json:"train_top1"`
	TrainLoss float64       `json:"train_loss"`
	ValTop1   float64       `json:"val_top1"`
	ValLoss   float64       `json:"val_loss"`
	Duration  time.Duration `json:"duration"`
}

// Metrics is what a Fit produces. It is not modified after Fit returns.
type Metrics struct {
	Kind   Kind           `json:"kind"`
	State  State          `json:"state"`
	Epochs []EpochMetrics `json:"epochs"`
}

// TotalTrainingTime sums the epoch durations.
func (m *Metrics) TotalTrainingTime() time.Duration {
	var total time.Duration
	for _, e := range m.Epochs {
		total += e.Duration
	}
	return total
}

// BestTrainTop1 is the highest train top-1 over all epochs, -Inf if none ran.
func (m *Metrics) BestTrainTop1() float64 {
	best := math.Inf(-1)
	for _, e := range m.Epochs {
		if e.TrainTop1 > best {
			best = e.TrainTop1
		}
	}
	return best
}

// BestValTop1 is the highest validation top-1 over all epochs, -Inf if none ran.
func (m *Metrics) BestValTop1() float64 {
	best := math.Inf(-1)
	for _, e := range m.Epochs {
		if e.ValTop1 > best {
			best = e.ValTop1
		}
	}
	return best
}

// Last returns the final epoch record and false when no epoch ran.
func (m *Metrics) Last() (EpochMetrics, bool) {
	if len(m.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return m.Epochs[len(m.Epochs)-1], true
}
