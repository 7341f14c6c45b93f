// Package ticker is the single scheduling primitive shared by the worker
// poll loop, claim heartbeats and the coordinator wait loop.
package ticker

import (
	"context"
	"errors"
	"time"
)

// Every runs fn immediately and then once per interval until ctx is done or
// fn returns an error. The error (or ctx.Err) is returned.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Sentinel returned by Every callbacks to stop without error.
var Stop = stopError{}

type stopError struct{}

func (stopError) Error() string { return "ticker: stop" }

// EveryUntilStop behaves like Every but treats Stop as a clean exit.
func EveryUntilStop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	err := Every(ctx, interval, fn)
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}
