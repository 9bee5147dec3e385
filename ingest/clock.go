// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"time"

	"github.com/soothill/sensorpush-logger/pkg/interfaces"
)

type systemClock struct{}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() interfaces.Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
