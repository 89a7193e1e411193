package power

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"homebox/internal/runner"
)

// Action shuts down or restarts the machine.
type Action interface {
	Run(ctx context.Context) error
}

// Command flushes filesystem buffers and runs Argv.
type Command struct {
	Argv   []string
	Runner runner.Runner
	// Sync defaults to unix.Sync.
	Sync func()
}

func (c *Command) Run(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return errors.New("power: empty command")
	}
	sync := c.Sync
	if sync == nil {
		sync = unix.Sync
	}
	sync()
	return c.Runner.Run(ctx, c.Argv[0], c.Argv[1:]...).Error()
}
