// Copyright 2025 James Ross
package jobqueue

import (
	"math/rand"
	"time"

	"github.com/flyingrobots/dicom-gateway/internal/config"
)

// backoff computes the delay before a job's next eligible attempt,
// exponential in the attempt count and capped at cfg.Max, then perturbed
// by up to cfg.Jitter fraction in either direction so that many jobs
// failing at once do not all wake up in lockstep.
func backoff(attempt int, cfg config.Backoff) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * cfg.Base
	if d <= 0 || d > cfg.Max {
		d = cfg.Max
	}
	if cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * cfg.Jitter
	delta := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(d) + delta)
	if jittered < 0 {
		return 0
	}
	return jittered
}
