package stream

import (
	"context"
	"time"
)

const (
	// MinSpeed is the slowest playback rate honored; slower requests are clamped.
	MinSpeed = 0.0001

	// DefaultSlice bounds a single sleep so cancellation is observed promptly.
	DefaultSlice = 250 * time.Millisecond
)

// Pacer maps market-time gaps onto wall-clock waits at a playback speed.
type Pacer struct {
	speed float64
}

// NewPacer creates a pacer for speed, clamped to MinSpeed.
func NewPacer(speed float64) Pacer {
	if speed < MinSpeed {
		speed = MinSpeed
	}
	return Pacer{speed: speed}
}

// Speed returns the effective playback multiplier.
func (p Pacer) Speed() float64 {
	return p.speed
}

// WallDuration returns how long to wait for deltaNs of market time.
func (p Pacer) WallDuration(deltaNs int64) time.Duration {
	if deltaNs <= 0 {
		return 0
	}
	return time.Duration(float64(deltaNs) / p.speed)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx is the real-time SleepFunc.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sleepChunked waits d in slices no longer than slice, checking ctx between them.
func sleepChunked(ctx context.Context, sleep SleepFunc, d, slice time.Duration) error {
	for d > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := d
		if step > slice {
			step = slice
		}
		if err := sleep(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	return ctx.Err()
}
