package partition

import (
	"context"
	"fmt"

	"homebox/internal/runner"
)

// Policy decides what a failed step does to the run.
type Policy int

const (
	// Abort stops the run with a *StepError.
	Abort Policy = iota
	// Continue logs the failure and moves on.
	Continue
)

// StepError is returned when an Abort step fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %q: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// exec runs argv as one step. A Continue step that fails returns its result
// with a nil error so callers can still look at res.OK().
func (p *Partitioner) exec(ctx context.Context, step string, policy Policy, argv ...string) (runner.Result, error) {
	log := p.log.WithField("step", step)
	log.Info(step)
	res := p.runner.Run(ctx, argv[0], argv[1:]...)
	if res.OK() {
		return res, nil
	}
	err := res.Error()
	if policy == Continue {
		log.WithError(err).WithField("kind", res.Kind).Warn("step failed, continuing")
		return res, nil
	}
	return res, &StepError{Step: step, Err: err}
}

// do runs an in-process step. It reports whether fn succeeded.
func (p *Partitioner) do(step string, policy Policy, fn func() error) (bool, error) {
	log := p.log.WithField("step", step)
	log.Info(step)
	err := fn()
	if err == nil {
		return true, nil
	}
	if policy == Continue {
		log.WithError(err).Warn("step failed, continuing")
		return false, nil
	}
	return false, &StepError{Step: step, Err: err}
}
