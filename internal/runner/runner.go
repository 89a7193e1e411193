// Package runner executes privileged OS commands and classifies how they failed.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind classifies a command outcome.
type Kind int

const (
	KindNone     Kind = iota // ran and exited 0
	KindNotFound             // executable not found
	KindStart                // could not be started for another reason
	KindExit                 // exited non-zero
	KindSignal               // killed by a signal
	KindContext              // context cancelled or timed out
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not found"
	case KindStart:
		return "start failed"
	case KindExit:
		return "exit"
	case KindSignal:
		return "signal"
	case KindContext:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one command.
type Result struct {
	Argv     []string
	Output   []byte
	ExitCode int
	Kind     Kind
	Err      error
}

func (r Result) OK() bool { return r.Kind == KindNone }

// Error returns nil for a successful result, else an error describing the
// command, the failure kind, and the trimmed combined output.
func (r Result) Error() error {
	if r.OK() {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", strings.Join(r.Argv, " "), r.Kind)
	if r.Kind == KindExit {
		msg += fmt.Sprintf(" %d", r.ExitCode)
	}
	if out := strings.TrimSpace(string(r.Output)); out != "" {
		msg += ": " + out
	}
	if r.Err != nil {
		return fmt.Errorf("%s: %w", msg, r.Err)
	}
	return errors.New(msg)
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, name string, args ...string) Result

func (f Func) Run(ctx context.Context, name string, args ...string) Result {
	return f(ctx, name, args...)
}

// Exec runs commands with os/exec. With DryRun set it only logs them.
type Exec struct {
	Log    logrus.FieldLogger
	DryRun bool
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) Result {
	argv := append([]string{name}, args...)
	log := e.logger().WithField("cmd", strings.Join(argv, " "))
	if e.DryRun {
		log.Info("dry run: not executing")
		return Result{Argv: argv}
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	res := Result{Argv: argv, Output: out.Bytes()}
	if err == nil {
		log.Debug("command ok")
		return res
	}
	res.Err = err
	res.Kind, res.ExitCode = classify(ctx, err)
	log.WithFields(logrus.Fields{"kind": res.Kind, "exit": res.ExitCode}).Debug("command failed")
	return res
}

func (e *Exec) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func classify(ctx context.Context, err error) (Kind, int) {
	if ctx.Err() != nil {
		return KindContext, -1
	}
	if errors.Is(err, exec.ErrNotFound) {
		return KindNotFound, -1
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return KindExit, code
		}
		return KindSignal, -1
	}
	return KindStart, -1
}
