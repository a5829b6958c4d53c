package source

import (
	"context"

	"notifbot/internal/intake"
)

// SubmitFunc hands one raw event to intake. Implementations treat duplicate
// and throttle drops as non-fatal.
type SubmitFunc func(ctx context.Context, ev intake.RawEvent) error

// Source produces raw events. Run blocks until ctx ends; returning an error
// lets the supervisor restart the source with backoff.
type Source interface {
	Name() string
	Run(ctx context.Context, submit SubmitFunc) error
}
