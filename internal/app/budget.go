package app

import (
	"time"

	"github.com/okian/proxynas/internal/domain/training"
)

// AllowedTime scales the fastest conditional training time by ratio.
// It stays training.Unlimited until a baseline exists and saturates there
// instead of overflowing.
func AllowedTime(ratio float64, fastest time.Duration) time.Duration {
	if fastest == training.Unlimited {
		return training.Unlimited
	}
	scaled := ratio * float64(fastest)
	if scaled >= float64(training.Unlimited) {
		return training.Unlimited
	}
	return time.Duration(scaled)
}
